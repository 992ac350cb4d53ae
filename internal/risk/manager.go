package risk

import (
	"sync"
	"time"

	"titan-control-plane/internal/adapter"
	"titan-control-plane/internal/clock"
	"titan-control-plane/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// baseAllocationFraction 是单个信号在满分上下文下可获得的总资金比例。
const baseAllocationFraction = 0.1

// perfAlpha is the EWMA smoothing factor for per-strategy recent performance.
const perfAlpha = 0.2

// Manager 实现 persona/资金/杠杆层：对每个通过过滤链的信号按固定顺序
// 评估 persona 切换、冷却、回撤年龄、资金分配与杠杆钳制，任一拒绝立即
// 终止后续评估（fail-fast）并携带原因码。
//
// persona 状态由本层独占；所有写入都在 Manager 的锁内串行化，
// 因此并发指向同一 persona 的信号天然串行。
type Manager struct {
	name    string
	clock   clock.Clock
	logger  *zap.Logger
	adapter *adapter.Adapter
	ledger  *Ledger

	snapMu sync.RWMutex
	snap   models.ModeSnapshot
	cfg    adapter.PipelineConfig

	mu         sync.Mutex
	profiles   profileTable
	personas   map[string]*personaState
	active     string
	equity     float64
	peakEquity float64
	perf       map[string]float64 // strategy -> outcome quality EWMA
}

// NewManager builds the risk layer over the given persona profiles and
// capital ledger. initialEquity seeds the equity-based persona selection.
func NewManager(clk clock.Clock, ledger *Ledger, personas []models.PersonaConfig, initialEquity float64, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Wall{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		name:       "risk",
		clock:      clk,
		logger:     logger,
		adapter:    adapter.New(),
		ledger:     ledger,
		profiles:   newProfileTable(personas),
		personas:   make(map[string]*personaState),
		equity:     initialEquity,
		peakEquity: initialEquity,
		perf:       make(map[string]float64),
	}
	// Startup activation carries no cooldown: there was no prior switch.
	initial := m.profiles.forEquity(initialEquity)
	m.personas[initial.Name] = &personaState{
		name:          initial.Name,
		active:        true,
		bandEnteredAt: clk.Now(),
	}
	m.active = initial.Name
	return m
}

// Ledger exposes the commitment ledger so the pipeline can release
// commitments on terminal outcomes.
func (m *Manager) Ledger() *Ledger { return m.ledger }

// Name implements consistency.EpochView.
func (m *Manager) Name() string { return m.name }

// CachedEpoch implements consistency.EpochView.
func (m *Manager) CachedEpoch() uint64 {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.Epoch
}

// Resync implements consistency.EpochView.
func (m *Manager) Resync(snap models.ModeSnapshot) { m.ApplySnapshot(snap) }

// ApplySnapshot implements governor.Subscriber.
func (m *Manager) ApplySnapshot(snap models.ModeSnapshot) {
	cfg := m.adapter.Adapt(snap)
	m.snapMu.Lock()
	m.snap = snap
	m.cfg = cfg
	m.snapMu.Unlock()
}

// ActivePersona returns the currently selected persona.
func (m *Manager) ActivePersona() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// UpdateEquity feeds the current account equity into persona selection and
// drawdown tracking. A new peak clears the active persona's drawdown; a dip
// below the peak starts the drawdown age clock.
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
	state := m.personas[m.active]
	if equity >= m.peakEquity {
		m.peakEquity = equity
		if state != nil {
			state.drawdownSince = time.Time{}
		}
		return
	}
	if state != nil && state.drawdownSince.IsZero() {
		state.drawdownSince = m.clock.Now()
	}
}

// RecordOutcome feeds one settled trade back into the per-strategy
// performance estimate used by the contextual capital distributor.
func (m *Manager) RecordOutcome(strategy string, win bool) {
	x := 0.0
	if win {
		x = 1.0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.perf[strategy]
	if !ok {
		q = 0.5
	}
	m.perf[strategy] = q + perfAlpha*(x-q)
}

// Evaluate runs the ordered persona/capital/leverage evaluation for one
// signal that survived the filter chain.
func (m *Manager) Evaluate(ann *models.AnnotatedSignal) models.RiskDecision {
	m.snapMu.RLock()
	cfg := m.cfg
	m.snapMu.RUnlock()

	reject := func(stage string, reason models.RejectReason, persona string) models.RiskDecision {
		m.logger.Debug("risk rejection",
			zap.String("module", m.name),
			zap.String("action", "risk_rejected"),
			zap.String("signal_id", ann.ID),
			zap.String("stage", stage),
			zap.String("reason", string(reason)))
		return models.RiskDecision{
			SignalID: ann.ID,
			Persona:  persona,
			Approved: false,
			Stage:    stage,
			Reason:   reason,
		}
	}

	m.mu.Lock()
	now := m.clock.Now()

	// 1. Equity-based persona shifter. Band switches require the minimum
	// dwell time unless a crossover trigger confirmed the move, so equity
	// hovering at a band boundary cannot oscillate personas.
	target := m.profiles.forEquity(m.equity)
	current := m.personas[m.active]
	if target.Name != m.active {
		dwellElapsed := now.Sub(current.bandEnteredAt) >= cfg.Dwell
		if dwellElapsed || ann.CrossoverConfirmed {
			current.active = false
			next, ok := m.personas[target.Name]
			if !ok {
				next = &personaState{name: target.Name}
				m.personas[target.Name] = next
			}
			next.active = true
			next.bandEnteredAt = now
			next.cooldownUntil = now.Add(cfg.Cooldown)
			next.drawdownSince = time.Time{}
			m.active = target.Name
			m.logger.Info("persona switched",
				zap.String("module", m.name),
				zap.String("action", "persona_switch"),
				zap.String("from", current.name),
				zap.String("to", target.Name),
				zap.Float64("equity", m.equity))
		}
	}
	state := m.personas[m.active]

	// 2. Persona cooldown manager.
	if !state.active {
		m.mu.Unlock()
		return reject("cooldown", models.ReasonPersonaInactive, state.name)
	}
	if now.Before(state.cooldownUntil) {
		m.mu.Unlock()
		return reject("cooldown", models.ReasonPersonaCooldown, state.name)
	}

	// 3. Drawdown age tracker: a sustained drawdown rejects, a maturing one
	// halves the allocation. A brief dip does neither.
	downsize := 1.0
	if !state.drawdownSince.IsZero() && cfg.DrawdownAgeLimit > 0 {
		age := now.Sub(state.drawdownSince)
		if age > cfg.DrawdownAgeLimit {
			m.mu.Unlock()
			return reject("drawdown", models.ReasonDrawdownAgeExceeded, state.name)
		}
		if age > cfg.DrawdownAgeLimit/2 {
			downsize = 0.5
		}
	}

	// 4. Contextual capital distributor. The context score blends the
	// strategy weight, the mode's risk appetite, recent strategy
	// performance, and the seasonal bias annotation.
	weight, ok := cfg.CapitalWeights[ann.Strategy]
	if !ok {
		weight = 1.0
	}
	perfQ, ok := m.perf[ann.Strategy]
	if !ok {
		perfQ = 0.5
	}
	persona := state.name
	m.mu.Unlock()

	bias := ann.SeasonalBias
	if bias <= 0 {
		bias = 1.0
	}
	score := weight * cfg.RiskAppetite * (0.5 + perfQ) * bias * downsize

	allocation := m.ledger.Total().
		Mul(decimal.NewFromFloat(baseAllocationFraction)).
		Mul(decimal.NewFromFloat(score)).
		Round(8)
	if available := m.ledger.Available(); allocation.GreaterThan(available) {
		allocation = available
	}
	if err := m.ledger.Commit(ann.ID, allocation); err != nil {
		return reject("capital", models.ReasonInsufficientCapital, persona)
	}

	// 5. Contextual leverage limiter: the policy cap, scaled down as the
	// mode's risk appetite shrinks, floor 1x.
	leverage := cfg.MaxLeverage * cfg.RiskAppetite
	if leverage > cfg.MaxLeverage {
		leverage = cfg.MaxLeverage
	}
	if leverage < 1 {
		leverage = 1
	}

	return models.RiskDecision{
		SignalID:   ann.ID,
		Persona:    persona,
		Approved:   true,
		Capital:    allocation,
		Leverage:   leverage,
		StopLoss:   ann.StopLoss,
		TakeProfit: ann.TakeProfit,
	}
}
