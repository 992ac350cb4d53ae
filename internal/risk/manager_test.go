package risk

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"titan-control-plane/internal/clock"
	"titan-control-plane/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() models.Policy {
	return models.Policy{
		MinConfidence:       0.3,
		MaxConfidence:       0.9,
		BaseConfidence:      0.5,
		MaxLeverage:         10,
		RiskAppetite:        0.5,
		CooldownSec:         300,
		DwellSec:            600,
		DrawdownAgeLimitSec: 3600,
		MaxSignalAgeSec:     60,
		DedupWindowSec:      120,
		StopLossMult:        0.02,
		TakeProfitMult:      0.04,
	}
}

func testPersonas() []models.PersonaConfig {
	return []models.PersonaConfig{
		{Name: "sentinel", MinEquity: 0, StopLossScale: 1.0, TakeProfitScale: 1.0},
		{Name: "vanguard", MinEquity: 10000, StopLossScale: 1.5, TakeProfitScale: 2.0},
	}
}

func newTestManager(t *testing.T, clk clock.Clock, equity float64) *Manager {
	t.Helper()
	ledger := NewLedger(decimal.NewFromInt(10000))
	m := NewManager(clk, ledger, testPersonas(), equity, nil)
	m.ApplySnapshot(models.ModeSnapshot{
		Mode:        models.ModeBalanced,
		Epoch:       1,
		Policy:      testPolicy(),
		PublishedAt: clk.Now(),
	})
	return m
}

func annotated(id string) *models.AnnotatedSignal {
	return &models.AnnotatedSignal{
		Signal: models.Signal{
			ID:         id,
			Instrument: "BTCUSDT",
			Direction:  models.Long,
			Confidence: 0.7,
			Price:      50000,
			Strategy:   "grid",
		},
		Epoch:        1,
		SeasonalBias: 1.0,
		StopLoss:     49000,
		TakeProfit:   52000,
	}
}

func TestEvaluateApprovesAndCommitsCapital(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk, 5000)

	d := m.Evaluate(annotated("sig-1"))
	require.True(t, d.Approved, "reason=%s stage=%s", d.Reason, d.Stage)
	assert.Equal(t, "sentinel", d.Persona)
	assert.True(t, d.Capital.IsPositive())
	assert.Equal(t, d.Capital, m.Ledger().Committed())
	// appetite 0.5 against a 10x cap
	assert.InDelta(t, 5.0, d.Leverage, 1e-9)
}

func TestPersonaCooldownAfterSwitch(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk, 5000)

	// Equity jump into the vanguard band plus a confirmed crossover forces
	// the switch immediately, which starts the cooldown window.
	m.UpdateEquity(20000)
	ann := annotated("sig-switch")
	ann.CrossoverConfirmed = true
	d := m.Evaluate(ann)
	require.False(t, d.Approved)
	assert.Equal(t, models.ReasonPersonaCooldown, d.Reason)
	assert.Equal(t, "vanguard", d.Persona)
	assert.Equal(t, "vanguard", m.ActivePersona())

	// Two minutes in: still cooling down.
	clk.Advance(2 * time.Minute)
	d = m.Evaluate(annotated("sig-early"))
	require.False(t, d.Approved)
	assert.Equal(t, models.ReasonPersonaCooldown, d.Reason)

	// Five minutes after the switch the window is over.
	clk.Advance(3 * time.Minute)
	d = m.Evaluate(annotated("sig-late"))
	assert.True(t, d.Approved, "reason=%s", d.Reason)
}

func TestBandOscillationBlockedByDwell(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk, 5000)

	// Crossing the band boundary before the dwell expires, with no
	// crossover confirmation, must not switch personas.
	m.UpdateEquity(11000)
	d := m.Evaluate(annotated("sig-1"))
	require.True(t, d.Approved, "reason=%s", d.Reason)
	assert.Equal(t, "sentinel", d.Persona)

	m.UpdateEquity(9000)
	m.UpdateEquity(11000)
	assert.Equal(t, "sentinel", m.ActivePersona())

	// After the dwell time the pending band change takes effect.
	clk.Advance(11 * time.Minute)
	d = m.Evaluate(annotated("sig-2"))
	require.False(t, d.Approved)
	assert.Equal(t, "vanguard", d.Persona)
	assert.Equal(t, models.ReasonPersonaCooldown, d.Reason)
}

func TestDrawdownAgeGate(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk, 5000)

	baseline := m.Evaluate(annotated("sig-base"))
	require.True(t, baseline.Approved)
	m.Ledger().Release("sig-base")

	// Dip below the peak starts the age clock.
	m.UpdateEquity(4500)

	// Past half the age limit the allocation is halved.
	clk.Advance(31 * time.Minute)
	d := m.Evaluate(annotated("sig-soft"))
	require.True(t, d.Approved, "reason=%s", d.Reason)
	assert.True(t, d.Capital.LessThan(baseline.Capital))
	assert.True(t, d.Capital.Equal(baseline.Capital.Mul(decimal.NewFromFloat(0.5))),
		"want half of %s, got %s", baseline.Capital, d.Capital)
	m.Ledger().Release("sig-soft")

	// Past the full limit the signal is rejected outright.
	clk.Advance(31 * time.Minute)
	d = m.Evaluate(annotated("sig-old"))
	require.False(t, d.Approved)
	assert.Equal(t, models.ReasonDrawdownAgeExceeded, d.Reason)

	// A new equity peak clears the drawdown.
	m.UpdateEquity(6000)
	d = m.Evaluate(annotated("sig-recovered"))
	assert.True(t, d.Approved, "reason=%s", d.Reason)
}

func TestLeverageFloor(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk, 5000)

	p := testPolicy()
	p.MaxLeverage = 3
	p.RiskAppetite = 0.1
	m.ApplySnapshot(models.ModeSnapshot{Mode: models.ModeDefensive, Epoch: 2, Policy: p, PublishedAt: clk.Now()})

	d := m.Evaluate(annotated("sig-1"))
	require.True(t, d.Approved, "reason=%s", d.Reason)
	assert.InDelta(t, 1.0, d.Leverage, 1e-9)
}

func TestLedgerNeverOverdrafts(t *testing.T) {
	total := decimal.NewFromInt(1000)
	l := NewLedger(total)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("sig-%d-%d", i, j)
				if err := l.Commit(id, decimal.NewFromInt(30)); err == nil {
					if j%2 == 0 {
						l.Release(id)
					}
				}
			}
		}(i)
	}
	wg.Wait()

	assert.True(t, l.Committed().LessThanOrEqual(total),
		"committed %s exceeds total %s", l.Committed(), total)
	assert.True(t, l.Available().GreaterThanOrEqual(decimal.Zero))
	assert.True(t, l.Available().Add(l.Committed()).Equal(total))
}

func TestLedgerRejectsDuplicateAndNonPositive(t *testing.T) {
	l := NewLedger(decimal.NewFromInt(100))
	require.NoError(t, l.Commit("sig-1", decimal.NewFromInt(10)))
	assert.Error(t, l.Commit("sig-1", decimal.NewFromInt(10)))
	assert.Error(t, l.Commit("sig-2", decimal.Zero))
	assert.ErrorIs(t, l.Commit("sig-3", decimal.NewFromInt(500)), ErrInsufficientCapital)

	// Releasing an unknown id is a no-op.
	l.Release("ghost")
	assert.True(t, l.Committed().Equal(decimal.NewFromInt(10)))
}

func TestRecordOutcomeScalesAllocation(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk, 5000)

	base := m.Evaluate(annotated("sig-base"))
	require.True(t, base.Approved)
	m.Ledger().Release("sig-base")

	for i := 0; i < 20; i++ {
		m.RecordOutcome("grid", true)
	}
	up := m.Evaluate(annotated("sig-up"))
	require.True(t, up.Approved)
	assert.True(t, up.Capital.GreaterThan(base.Capital))
	m.Ledger().Release("sig-up")

	for i := 0; i < 40; i++ {
		m.RecordOutcome("grid", false)
	}
	down := m.Evaluate(annotated("sig-down"))
	require.True(t, down.Approved)
	assert.True(t, down.Capital.LessThan(base.Capital))
}
