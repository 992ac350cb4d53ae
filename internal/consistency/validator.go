package consistency

import (
	"sync"
	"time"

	"titan-control-plane/internal/clock"
	"titan-control-plane/internal/models"

	"go.uber.org/zap"
)

// EpochView is implemented by every module that caches the mode snapshot.
// The validator audits these views against the Governor's authoritative value.
type EpochView interface {
	// Name identifies the module in faults and logs.
	Name() string
	// CachedEpoch returns the epoch of the snapshot the module is acting on.
	CachedEpoch() uint64
	// Resync forces the module to re-pull the authoritative snapshot.
	Resync(snap models.ModeSnapshot)
}

// Authority supplies the authoritative snapshot (the Governor).
type Authority interface {
	Current() models.ModeSnapshot
}

// Validator audits the cached (mode, epoch) of every subscribed module
// against the Governor. Divergence inside the grace window after a
// transition is transient and tolerated; divergence beyond it is a
// ConsistencyFault: the module is resynced and gated, so Approve fails for it
// until its cached epoch matches again.
type Validator struct {
	authority Authority
	clock     clock.Clock
	grace     time.Duration
	interval  time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	views map[string]EpochView
	gated map[string]*models.ConsistencyFault

	faults   chan models.ConsistencyFault
	stopChan chan struct{}
	stopOnce sync.Once
}

// New builds a Validator. grace is the post-transition tolerance window;
// interval is the periodic audit period (zero disables the loop, audits then
// run only on transitions and on demand).
func New(authority Authority, clk clock.Clock, grace, interval time.Duration, logger *zap.Logger) *Validator {
	if clk == nil {
		clk = clock.Wall{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		authority: authority,
		clock:     clk,
		grace:     grace,
		interval:  interval,
		logger:    logger,
		views:     make(map[string]EpochView),
		gated:     make(map[string]*models.ConsistencyFault),
		faults:    make(chan models.ConsistencyFault, 64),
		stopChan:  make(chan struct{}),
	}
}

// Register subscribes a module's view to the audit.
func (v *Validator) Register(view EpochView) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.views[view.Name()] = view
}

// Faults exposes the alerting path for persistent divergences.
func (v *Validator) Faults() <-chan models.ConsistencyFault {
	return v.faults
}

// ApplySnapshot lets the validator subscribe to the Governor: every
// transition triggers an immediate audit of the fan-out.
func (v *Validator) ApplySnapshot(models.ModeSnapshot) {
	v.Audit()
}

// Start runs the periodic audit loop.
func (v *Validator) Start() {
	if v.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(v.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				v.Audit()
			case <-v.stopChan:
				return
			}
		}
	}()
}

// Stop terminates the audit loop.
func (v *Validator) Stop() {
	v.stopOnce.Do(func() { close(v.stopChan) })
}

// Audit compares every registered view against the authoritative snapshot.
// It returns the persistent faults found in this pass.
func (v *Validator) Audit() []models.ConsistencyFault {
	snap := v.authority.Current()
	now := v.clock.Now()
	withinGrace := now.Sub(snap.PublishedAt) <= v.grace

	v.mu.Lock()
	defer v.mu.Unlock()

	var found []models.ConsistencyFault
	for name, view := range v.views {
		cached := view.CachedEpoch()
		if cached == snap.Epoch {
			if _, wasGated := v.gated[name]; wasGated {
				delete(v.gated, name)
				v.logger.Info("module resynced",
					zap.String("module", name),
					zap.String("action", "resync_complete"),
					zap.Uint64("epoch", snap.Epoch))
			}
			continue
		}
		if withinGrace {
			// Expected right after a transition; the fan-out is still settling.
			v.logger.Debug("transient epoch divergence",
				zap.String("module", name),
				zap.Uint64("cached_epoch", cached),
				zap.Uint64("authoritative_epoch", snap.Epoch))
			continue
		}

		fault := &models.ConsistencyFault{
			Module:             name,
			CachedEpoch:        cached,
			AuthoritativeEpoch: snap.Epoch,
		}
		v.gated[name] = fault
		found = append(found, *fault)
		v.logger.Warn("persistent epoch divergence, forcing resync",
			zap.String("module", name),
			zap.String("action", "consistency_fault"),
			zap.Uint64("cached_epoch", cached),
			zap.Uint64("authoritative_epoch", snap.Epoch))

		select {
		case v.faults <- *fault:
		default:
			// Alerting backlog full; the fault is still logged and gated.
		}

		view.Resync(snap)
	}
	return found
}

// Approve reports whether the named module may approve signals right now.
// A gated module stays blocked until an audit sees its epoch match again.
// An unknown module is rejected outright: approval requires a registered view.
func (v *Validator) Approve(module string) error {
	snap := v.authority.Current()

	v.mu.Lock()
	defer v.mu.Unlock()

	if fault, ok := v.gated[module]; ok {
		view, registered := v.views[module]
		if registered && view.CachedEpoch() == snap.Epoch {
			delete(v.gated, module)
			return nil
		}
		return fault
	}

	view, ok := v.views[module]
	if !ok {
		return &models.ConsistencyFault{Module: module, AuthoritativeEpoch: snap.Epoch}
	}
	cached := view.CachedEpoch()
	if cached == snap.Epoch {
		return nil
	}
	if v.clock.Now().Sub(snap.PublishedAt) <= v.grace {
		// Inside the grace window a lagging module may still act on the
		// previous snapshot; it just must not act on a mixture.
		return nil
	}
	fault := &models.ConsistencyFault{
		Module:             module,
		CachedEpoch:        cached,
		AuthoritativeEpoch: snap.Epoch,
	}
	v.gated[module] = fault
	view.Resync(snap)
	return fault
}
