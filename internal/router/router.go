package router

import (
	"sync"

	"titan-control-plane/internal/adapter"
	"titan-control-plane/internal/models"

	"go.uber.org/zap"
)

// Approver gates routing on epoch consistency (the Consistency Validator).
type Approver interface {
	Approve(module string) error
}

// Filter 是过滤链中的一个环节：对给定上下文的信号做纯判定/变换。
// Apply 只能在注解上追加，不得修改原始信号字段。
type Filter interface {
	Name() string
	Apply(sig *models.AnnotatedSignal, cfg adapter.PipelineConfig) models.Verdict
}

// Router is the dispatch backbone: it applies the filter chain in its
// declared order and short-circuits on the first drop. The chain order is
// data, not an artifact of call sites; tests assert it.
type Router struct {
	name     string
	adapter  *adapter.Adapter
	approver Approver
	filters  []Filter
	logger   *zap.Logger

	mu   sync.RWMutex
	snap models.ModeSnapshot
	cfg  adapter.PipelineConfig
}

// New builds a Router over the given filter chain.
func New(name string, ad *adapter.Adapter, approver Approver, filters []Filter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		name:     name,
		adapter:  ad,
		approver: approver,
		filters:  filters,
		logger:   logger,
	}
}

// Name implements consistency.EpochView.
func (r *Router) Name() string { return r.name }

// CachedEpoch implements consistency.EpochView.
func (r *Router) CachedEpoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.Epoch
}

// Resync implements consistency.EpochView: a forced re-pull of the snapshot.
func (r *Router) Resync(snap models.ModeSnapshot) { r.ApplySnapshot(snap) }

// ApplySnapshot implements governor.Subscriber.
func (r *Router) ApplySnapshot(snap models.ModeSnapshot) {
	cfg := r.adapter.Adapt(snap)
	r.mu.Lock()
	r.snap = snap
	r.cfg = cfg
	r.mu.Unlock()
}

// FilterNames returns the declared chain order.
func (r *Router) FilterNames() []string {
	names := make([]string, len(r.filters))
	for i, f := range r.filters {
		names[i] = f.Name()
	}
	return names
}

// Route runs one signal through the filter chain. The first drop
// short-circuits; a stale-epoch gate rejects before any filter runs.
// The annotated signal is derived; the input signal is never mutated.
func (r *Router) Route(sig models.Signal) (*models.AnnotatedSignal, models.Verdict, error) {
	if err := r.approver.Approve(r.name); err != nil {
		r.logger.Warn("routing blocked by consistency gate",
			zap.String("module", r.name),
			zap.String("action", "route_blocked"),
			zap.String("signal_id", sig.ID),
			zap.Error(err))
		return nil, models.Drop(r.name, models.ReasonStaleEpoch), err
	}

	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	ann := &models.AnnotatedSignal{Signal: sig, Epoch: cfg.Epoch, SeasonalBias: 1.0}
	for _, f := range r.filters {
		verdict := f.Apply(ann, cfg)
		if !verdict.Keep {
			r.logger.Debug("signal dropped",
				zap.String("module", r.name),
				zap.String("action", "signal_dropped"),
				zap.String("signal_id", sig.ID),
				zap.String("stage", verdict.Stage),
				zap.String("reason", string(verdict.Reason)))
			return ann, verdict, nil
		}
	}
	return ann, models.Accept(), nil
}
