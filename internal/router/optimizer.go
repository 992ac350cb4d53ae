package router

import (
	"sync"

	"titan-control-plane/internal/adapter"
)

// Optimizer 为每个策略维护近期信号结果质量的指数加权估计，
// 并据此在策略允许的 [min, max] 区间内抬高或压低生效信心阈值。
// 阈值永远被钳制在区间内——无论历史多长、反馈多极端。
type Optimizer struct {
	mu      sync.Mutex
	quality map[string]float64
	alpha   float64
}

// defaultQuality is the neutral starting estimate for an unseen strategy.
const defaultQuality = 0.5

// NewOptimizer returns an optimizer with the given EWMA smoothing factor.
// alpha outside (0, 1] falls back to 0.2.
func NewOptimizer(alpha float64) *Optimizer {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &Optimizer{quality: make(map[string]float64), alpha: alpha}
}

// RecordOutcome feeds one execution outcome back into the strategy's
// quality estimate. Wins pull the estimate toward 1, losses toward 0.
func (o *Optimizer) RecordOutcome(strategy string, win bool) {
	x := 0.0
	if win {
		x = 1.0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.quality[strategy]
	if !ok {
		q = defaultQuality
	}
	o.quality[strategy] = q + o.alpha*(x-q)
}

// Threshold returns the effective confidence threshold for the strategy.
// A strategy performing above neutral earns a lower threshold (more of its
// signals pass); below neutral the threshold rises. The result is clamped to
// [MinThreshold, MaxThreshold] so no feedback loop can escape policy bounds.
func (o *Optimizer) Threshold(strategy string, cfg adapter.PipelineConfig) float64 {
	o.mu.Lock()
	q, ok := o.quality[strategy]
	o.mu.Unlock()
	if !ok {
		q = defaultQuality
	}

	span := cfg.MaxThreshold - cfg.MinThreshold
	t := cfg.BaseThreshold + (defaultQuality-q)*span

	if t < cfg.MinThreshold {
		return cfg.MinThreshold
	}
	if t > cfg.MaxThreshold {
		return cfg.MaxThreshold
	}
	return t
}
