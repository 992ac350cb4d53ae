package router

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"titan-control-plane/internal/adapter"
	"titan-control-plane/internal/clock"
	"titan-control-plane/internal/models"
)

// Filter stage names. The declared chain order lives in NewChain.
const (
	FilterAge        = "age"
	FilterRedundancy = "redundancy"
	FilterTimeWindow = "time_window"
	FilterConfidence = "confidence"
	FilterSeasonal   = "seasonal_bias"
	FilterPersonaSLTP = "persona_sltp"
	FilterCrossover  = "crossover"
)

// NewChain 按声明的固定顺序构建过滤链：
// age → redundancy → time_window → confidence → seasonal_bias →
// persona_sltp → crossover。
// 年龄过滤最便宜所以排最前；冗余检测必须先于信心评分，避免给重复信号打分。
func NewChain(clk clock.Clock, opt *Optimizer, personas []models.PersonaConfig) []Filter {
	return []Filter{
		NewAgeFilter(clk),
		NewRedundancyFilter(clk),
		NewTimeWindowFilter(clk),
		NewConfidenceFilter(opt),
		NewSeasonalBiasFilter(),
		NewPersonaSLTPFilter(personas),
		NewCrossoverFilter(),
	}
}

// AgeFilter 丢弃超过策略允许年龄的信号。
type AgeFilter struct {
	clock clock.Clock
}

func NewAgeFilter(clk clock.Clock) *AgeFilter { return &AgeFilter{clock: clk} }

func (f *AgeFilter) Name() string { return FilterAge }

func (f *AgeFilter) Apply(sig *models.AnnotatedSignal, cfg adapter.PipelineConfig) models.Verdict {
	if cfg.MaxSignalAge <= 0 {
		return models.Accept()
	}
	if f.clock.Now().Sub(sig.GeneratedAt) > cfg.MaxSignalAge {
		return models.Drop(FilterAge, models.ReasonSignalExpired)
	}
	return models.Accept()
}

// RedundancyFilter 在去重窗口内丢弃重复信号。
// 键是 (instrument, direction, strategy)；首个信号通过并登记。
type RedundancyFilter struct {
	clock clock.Clock
	mu    sync.Mutex
	seen  map[string]time.Time
}

func NewRedundancyFilter(clk clock.Clock) *RedundancyFilter {
	return &RedundancyFilter{clock: clk, seen: make(map[string]time.Time)}
}

func (f *RedundancyFilter) Name() string { return FilterRedundancy }

func (f *RedundancyFilter) Apply(sig *models.AnnotatedSignal, cfg adapter.PipelineConfig) models.Verdict {
	if cfg.DedupWindow <= 0 {
		return models.Accept()
	}
	key := fmt.Sprintf("%s|%s|%s", sig.Instrument, sig.Direction, sig.Strategy)
	now := f.clock.Now()

	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.seen[key]; ok && now.Sub(last) < cfg.DedupWindow {
		return models.Drop(FilterRedundancy, models.ReasonDuplicateSignal)
	}
	f.seen[key] = now

	// Opportunistic pruning keeps the map bounded by active keys.
	if len(f.seen) > 4096 {
		for k, ts := range f.seen {
			if now.Sub(ts) >= cfg.DedupWindow {
				delete(f.seen, k)
			}
		}
	}
	return models.Accept()
}

// TimeWindowFilter 只允许落在策略声明的交易窗口内的信号通过。
// 未声明窗口时不设限。
type TimeWindowFilter struct {
	clock clock.Clock
}

func NewTimeWindowFilter(clk clock.Clock) *TimeWindowFilter {
	return &TimeWindowFilter{clock: clk}
}

func (f *TimeWindowFilter) Name() string { return FilterTimeWindow }

func (f *TimeWindowFilter) Apply(sig *models.AnnotatedSignal, cfg adapter.PipelineConfig) models.Verdict {
	if len(cfg.TradingWindows) == 0 {
		return models.Accept()
	}
	now := f.clock.Now()
	for _, w := range cfg.TradingWindows {
		if w.Contains(now) {
			return models.Accept()
		}
	}
	return models.Drop(FilterTimeWindow, models.ReasonOutsideTradingWindow)
}

// ConfidenceFilter 用优化器给出的动态阈值检查信号信心，
// 并把生效阈值写入注解，供审计消费。
type ConfidenceFilter struct {
	opt *Optimizer
}

func NewConfidenceFilter(opt *Optimizer) *ConfidenceFilter {
	return &ConfidenceFilter{opt: opt}
}

func (f *ConfidenceFilter) Name() string { return FilterConfidence }

func (f *ConfidenceFilter) Apply(sig *models.AnnotatedSignal, cfg adapter.PipelineConfig) models.Verdict {
	threshold := f.opt.Threshold(sig.Strategy, cfg)
	sig.EffectiveThreshold = threshold
	if sig.Confidence < threshold {
		return models.Drop(FilterConfidence, models.ReasonConfidenceBelow)
	}
	return models.Accept()
}

// SeasonalBiasFilter 按信号生成月份套用季节性偏置。
// 偏置 <= 0 表示该月整体禁用；否则偏置进入注解供资金分配使用。
type SeasonalBiasFilter struct{}

func NewSeasonalBiasFilter() *SeasonalBiasFilter { return &SeasonalBiasFilter{} }

func (f *SeasonalBiasFilter) Name() string { return FilterSeasonal }

func (f *SeasonalBiasFilter) Apply(sig *models.AnnotatedSignal, cfg adapter.PipelineConfig) models.Verdict {
	if len(cfg.SeasonalBias) == 0 {
		return models.Accept()
	}
	month := strings.ToLower(sig.GeneratedAt.UTC().Month().String())
	bias, ok := cfg.SeasonalBias[month]
	if !ok {
		return models.Accept()
	}
	if bias <= 0 {
		return models.Drop(FilterSeasonal, models.ReasonSeasonalBiasBlock)
	}
	sig.SeasonalBias = bias
	return models.Accept()
}

// PersonaSLTPFilter 根据 persona 档案和策略倍数推导绝对止损/止盈价。
type PersonaSLTPFilter struct {
	profiles map[string]models.PersonaConfig
}

func NewPersonaSLTPFilter(personas []models.PersonaConfig) *PersonaSLTPFilter {
	profiles := make(map[string]models.PersonaConfig, len(personas))
	for _, p := range personas {
		profiles[p.Name] = p
	}
	return &PersonaSLTPFilter{profiles: profiles}
}

func (f *PersonaSLTPFilter) Name() string { return FilterPersonaSLTP }

func (f *PersonaSLTPFilter) Apply(sig *models.AnnotatedSignal, cfg adapter.PipelineConfig) models.Verdict {
	if sig.Price <= 0 || cfg.StopLossMult <= 0 {
		return models.Accept()
	}
	slScale, tpScale := 1.0, 1.0
	if profile, ok := f.profiles[sig.Persona]; ok {
		if profile.StopLossScale > 0 {
			slScale = profile.StopLossScale
		}
		if profile.TakeProfitScale > 0 {
			tpScale = profile.TakeProfitScale
		}
	}
	sl := cfg.StopLossMult * slScale
	tp := cfg.TakeProfitMult * tpScale

	switch sig.Direction {
	case models.Short:
		sig.StopLoss = sig.Price * (1 + sl)
		sig.TakeProfit = sig.Price * (1 - tp)
	default:
		sig.StopLoss = sig.Price * (1 - sl)
		sig.TakeProfit = sig.Price * (1 + tp)
	}
	return models.Accept()
}

// CrossoverFilter 维护每个合约的快/慢价格EMA。
// 预热期内放行（未确认）；预热之后方向与交叉状态矛盾的信号被丢弃，
// 一致的信号打上已确认标记——该标记允许 persona 切换绕过停留时间。
type CrossoverFilter struct {
	mu     sync.Mutex
	states map[string]*emaPair

	fastAlpha float64
	slowAlpha float64
	warmup    int
}

type emaPair struct {
	fast    float64
	slow    float64
	samples int
}

func NewCrossoverFilter() *CrossoverFilter {
	return &CrossoverFilter{
		states:    make(map[string]*emaPair),
		fastAlpha: 2.0 / (8 + 1),
		slowAlpha: 2.0 / (21 + 1),
		warmup:    8,
	}
}

func (f *CrossoverFilter) Name() string { return FilterCrossover }

func (f *CrossoverFilter) Apply(sig *models.AnnotatedSignal, cfg adapter.PipelineConfig) models.Verdict {
	if sig.Price <= 0 {
		return models.Accept()
	}

	f.mu.Lock()
	state, ok := f.states[sig.Instrument]
	if !ok {
		state = &emaPair{fast: sig.Price, slow: sig.Price}
		f.states[sig.Instrument] = state
	}
	state.fast += f.fastAlpha * (sig.Price - state.fast)
	state.slow += f.slowAlpha * (sig.Price - state.slow)
	state.samples++
	fast, slow, samples := state.fast, state.slow, state.samples
	f.mu.Unlock()

	if samples < f.warmup {
		return models.Accept()
	}

	bullish := fast >= slow
	confirmed := (sig.Direction == models.Long && bullish) ||
		(sig.Direction == models.Short && !bullish)
	if !confirmed {
		return models.Drop(FilterCrossover, models.ReasonCrossoverUnconfirmed)
	}
	sig.CrossoverConfirmed = true
	return models.Accept()
}
