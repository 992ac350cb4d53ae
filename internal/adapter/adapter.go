package adapter

import (
	"sync"
	"time"

	"titan-control-plane/internal/models"
)

// PipelineConfig 是当前 (mode, epoch, policy) 翻译出的各阶段具体配置。
// 过滤链和风控层只消费这里的值，从不直接读取 Policy。
type PipelineConfig struct {
	Mode  models.Mode
	Epoch uint64

	MaxSignalAge time.Duration
	DedupWindow  time.Duration

	MinThreshold  float64
	MaxThreshold  float64
	BaseThreshold float64

	TradingWindows []models.TradingWindow
	SeasonalBias   map[string]float64

	StopLossMult   float64
	TakeProfitMult float64

	Cooldown         time.Duration
	Dwell            time.Duration
	DrawdownAgeLimit time.Duration

	MaxLeverage    float64
	RiskAppetite   float64
	CapitalWeights map[string]float64
}

// Adapter translates the authoritative snapshot into per-component
// configuration. It is pure apart from caching the last applied epoch to
// avoid redundant recomputation; it never originates a mode change.
type Adapter struct {
	mu        sync.Mutex
	lastEpoch uint64
	cached    PipelineConfig
}

// New returns an Adapter with an empty cache.
func New() *Adapter { return &Adapter{} }

// Adapt returns the pipeline configuration for the given snapshot,
// recomputing only when the epoch changed since the last call.
func (a *Adapter) Adapt(snap models.ModeSnapshot) PipelineConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastEpoch == snap.Epoch && a.lastEpoch != 0 {
		return a.cached
	}
	a.cached = compute(snap)
	a.lastEpoch = snap.Epoch
	return a.cached
}

func compute(snap models.ModeSnapshot) PipelineConfig {
	p := snap.Policy
	return PipelineConfig{
		Mode:  snap.Mode,
		Epoch: snap.Epoch,

		MaxSignalAge: p.MaxSignalAge(),
		DedupWindow:  p.DedupWindow(),

		MinThreshold:  p.MinConfidence,
		MaxThreshold:  p.MaxConfidence,
		BaseThreshold: p.BaseConfidence,

		TradingWindows: p.TradingWindows,
		SeasonalBias:   p.SeasonalBias,

		StopLossMult:   p.StopLossMult,
		TakeProfitMult: p.TakeProfitMult,

		Cooldown:         p.Cooldown(),
		Dwell:            p.Dwell(),
		DrawdownAgeLimit: p.DrawdownAgeLimit(),

		MaxLeverage:    p.MaxLeverage,
		RiskAppetite:   p.RiskAppetite,
		CapitalWeights: p.CapitalWeights,
	}
}
