package governor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"titan-control-plane/internal/clock"
	"titan-control-plane/internal/config"
	"titan-control-plane/internal/models"
	"titan-control-plane/internal/policystore"

	"go.uber.org/zap"
)

var (
	// ErrTransitionInFlight is returned while another transition is being applied.
	ErrTransitionInFlight = errors.New("a mode transition is already in flight")
	// ErrSameMode is returned when the target equals the current mode.
	ErrSameMode = errors.New("target mode equals current mode")
	// ErrUnknownMode is returned for a target mode with no stored policy.
	ErrUnknownMode = errors.New("no policy for target mode")
)

// Subscriber receives every published snapshot. Delivery is synchronous from
// the transition path; subscribers must only cache the value, never block.
type Subscriber interface {
	ApplySnapshot(snap models.ModeSnapshot)
}

// Governor owns the Morphic mode as a state machine. It is the single source
// of truth; every other component treats the mode as read-only and refreshes
// its cached snapshot through subscription or the adapter.
type Governor struct {
	store    policystore.Store
	clock    clock.Clock
	logger   *zap.Logger
	hardMaxLeverage   float64
	hardMinConfidence float64

	// snapshot is read lock-free; writes happen only inside a transition.
	snapshot atomic.Pointer[models.ModeSnapshot]

	mu       sync.Mutex // serializes transitions and policy table access
	inFlight bool
	policies map[models.Mode]models.Policy

	subMu sync.RWMutex
	subs  []Subscriber
}

// Options carries the construction parameters for a Governor.
type Options struct {
	Store             policystore.Store
	Clock             clock.Clock
	Logger            *zap.Logger
	Policies          map[models.Mode]models.Policy
	InitialMode       models.Mode
	HardMaxLeverage   float64
	HardMinConfidence float64
}

// New builds a Governor, persists the policy table, and publishes the initial
// snapshot. When the transition log already has entries (restart), the epoch
// counter resumes after the highest recorded epoch so epochs stay strictly
// monotonic across process lifetimes.
func New(opts Options) (*Governor, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Wall{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if !opts.InitialMode.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, opts.InitialMode)
	}
	initial, ok := opts.Policies[opts.InitialMode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, opts.InitialMode)
	}
	for mode, p := range opts.Policies {
		if err := config.ValidatePolicy(string(mode), p, opts.HardMaxLeverage, opts.HardMinConfidence); err != nil {
			return nil, err
		}
	}
	if err := opts.Store.SavePolicies(opts.Policies); err != nil {
		return nil, err
	}

	g := &Governor{
		store:             opts.Store,
		clock:             opts.Clock,
		logger:            opts.Logger,
		hardMaxLeverage:   opts.HardMaxLeverage,
		hardMinConfidence: opts.HardMinConfidence,
		policies:          opts.Policies,
	}

	epoch := uint64(1)
	records, err := opts.Store.Transitions()
	if err != nil {
		return nil, err
	}
	if n := len(records); n > 0 {
		epoch = records[n-1].Epoch + 1
	}

	snap := models.ModeSnapshot{
		Mode:        opts.InitialMode,
		Epoch:       epoch,
		Policy:      initial,
		PublishedAt: g.clock.Now(),
	}
	if err := g.store.AppendTransition(models.TransitionRecord{
		Epoch:         epoch,
		From:          opts.InitialMode,
		To:            opts.InitialMode,
		Justification: "startup",
		Timestamp:     snap.PublishedAt,
	}); err != nil {
		return nil, err
	}
	g.snapshot.Store(&snap)

	g.logger.Info("governor initialized",
		zap.String("module", "governor"),
		zap.String("mode", string(snap.Mode)),
		zap.Uint64("epoch", snap.Epoch))
	return g, nil
}

// Current returns the authoritative (mode, epoch, policy) snapshot.
// The read is lock-free and can never observe a torn pair.
func (g *Governor) Current() models.ModeSnapshot {
	return *g.snapshot.Load()
}

// Subscribe registers a component for snapshot pushes and immediately
// delivers the current snapshot so new subscribers start consistent.
func (g *Governor) Subscribe(s Subscriber) {
	g.subMu.Lock()
	g.subs = append(g.subs, s)
	g.subMu.Unlock()
	s.ApplySnapshot(g.Current())
}

// ProposeTransition requests a switch to the target mode. At most one
// transition may be in flight; a concurrent proposal is rejected rather than
// queued. On success the new (mode, epoch, policy) snapshot is published
// atomically, the transition is appended to the audit log, and subscribers
// are notified.
func (g *Governor) ProposeTransition(target models.Mode, justification string) (uint64, error) {
	g.mu.Lock()
	if g.inFlight {
		g.mu.Unlock()
		return 0, ErrTransitionInFlight
	}
	current := g.Current()
	if target == current.Mode {
		g.mu.Unlock()
		return 0, ErrSameMode
	}
	policy, ok := g.policies[target]
	if !ok {
		g.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownMode, target)
	}
	// Re-check bounds at transition time; a policy outside hard limits is
	// rejected outright, never partially applied.
	if err := config.ValidatePolicy(string(target), policy, g.hardMaxLeverage, g.hardMinConfidence); err != nil {
		g.mu.Unlock()
		return 0, err
	}
	g.inFlight = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight = false
		g.mu.Unlock()
	}()

	snap := models.ModeSnapshot{
		Mode:        target,
		Epoch:       current.Epoch + 1,
		Policy:      policy,
		PublishedAt: g.clock.Now(),
	}
	if err := g.store.AppendTransition(models.TransitionRecord{
		Epoch:         snap.Epoch,
		From:          current.Mode,
		To:            target,
		Justification: justification,
		Timestamp:     snap.PublishedAt,
	}); err != nil {
		return 0, err
	}
	g.snapshot.Store(&snap)
	g.notify(snap)

	g.logger.Info("mode transition published",
		zap.String("module", "governor"),
		zap.String("action", "transition"),
		zap.String("from", string(current.Mode)),
		zap.String("to", string(target)),
		zap.Uint64("epoch", snap.Epoch),
		zap.String("justification", justification))
	return snap.Epoch, nil
}

// ReloadPolicies replaces the policy table at runtime. The whole table is
// validated first; any fault rejects the reload and leaves the active policy
// untouched. A successful reload republishes the current mode under a new
// epoch so every consumer picks up the change through the usual fan-out.
func (g *Governor) ReloadPolicies(policies map[models.Mode]models.Policy) (uint64, error) {
	for mode, p := range policies {
		if err := config.ValidatePolicy(string(mode), p, g.hardMaxLeverage, g.hardMinConfidence); err != nil {
			g.logger.Warn("policy reload rejected",
				zap.String("module", "governor"),
				zap.String("action", "reload_rejected"),
				zap.Error(err))
			return 0, err
		}
	}

	g.mu.Lock()
	if g.inFlight {
		g.mu.Unlock()
		return 0, ErrTransitionInFlight
	}
	current := g.Current()
	policy, ok := policies[current.Mode]
	if !ok {
		g.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownMode, current.Mode)
	}
	g.inFlight = true
	previous := g.policies
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight = false
		g.mu.Unlock()
	}()

	if err := g.store.SavePolicies(policies); err != nil {
		return 0, err
	}

	snap := models.ModeSnapshot{
		Mode:        current.Mode,
		Epoch:       current.Epoch + 1,
		Policy:      policy,
		PublishedAt: g.clock.Now(),
	}
	if err := g.store.AppendTransition(models.TransitionRecord{
		Epoch:         snap.Epoch,
		From:          current.Mode,
		To:            current.Mode,
		Justification: "policy_reload",
		Timestamp:     snap.PublishedAt,
	}); err != nil {
		// 换表已落盘但换代记录失败:恢复旧表,存储与活动快照保持一致。
		if rbErr := g.store.SavePolicies(previous); rbErr != nil {
			g.logger.Error("policy table rollback failed",
				zap.String("module", "governor"),
				zap.String("action", "reload_rollback"),
				zap.Error(rbErr))
		}
		return 0, err
	}

	g.mu.Lock()
	g.policies = policies
	g.mu.Unlock()

	g.snapshot.Store(&snap)
	g.notify(snap)
	return snap.Epoch, nil
}

func (g *Governor) notify(snap models.ModeSnapshot) {
	g.subMu.RLock()
	subs := make([]Subscriber, len(g.subs))
	copy(subs, g.subs)
	g.subMu.RUnlock()
	for _, s := range subs {
		s.ApplySnapshot(snap)
	}
}
