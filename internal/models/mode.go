package models

import (
	"fmt"
	"time"
)

// Mode 定义了系统级的 Morphic 运行模式。
// 所有模块的策略参数都由当前模式决定。
type Mode string

const (
	ModeConservative Mode = "CONSERVATIVE"
	ModeBalanced     Mode = "BALANCED"
	ModeAggressive   Mode = "AGGRESSIVE"
	ModeDefensive    Mode = "DEFENSIVE"
)

// Valid reports whether m is one of the declared modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeConservative, ModeBalanced, ModeAggressive, ModeDefensive:
		return true
	}
	return false
}

// TradingWindow 定义了一个允许交易的UTC小时区间，[Start, End)。
type TradingWindow struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Contains reports whether the given time falls inside the window.
// A window with EndHour <= StartHour wraps past midnight.
func (w TradingWindow) Contains(t time.Time) bool {
	h := t.UTC().Hour()
	if w.EndHour > w.StartHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Policy 是绑定到一个 (mode, epoch) 的不可变参数集。
// 发布之后不允许修改；任何变更都必须通过新的 epoch 发布。
type Policy struct {
	Mode Mode `json:"mode"`

	// 信心阈值优化器的边界与基准值
	MinConfidence  float64 `json:"min_confidence"`
	MaxConfidence  float64 `json:"max_confidence"`
	BaseConfidence float64 `json:"base_confidence"`

	MaxLeverage  float64 `json:"max_leverage"`
	RiskAppetite float64 `json:"risk_appetite"` // 0..1，模式的风险偏好

	CooldownSec        int `json:"cooldown_sec"`          // persona 切换后的冷却时长
	DwellSec           int `json:"dwell_sec"`             // 权益档位边界的最短停留时长
	DrawdownAgeLimitSec int `json:"drawdown_age_limit_sec"` // 回撤持续时长上限
	MaxSignalAgeSec    int `json:"max_signal_age_sec"`
	DedupWindowSec     int `json:"dedup_window_sec"`

	StopLossMult   float64 `json:"stop_loss_mult"`
	TakeProfitMult float64 `json:"take_profit_mult"`

	TradingWindows []TradingWindow    `json:"trading_windows,omitempty"`
	SeasonalBias   map[string]float64 `json:"seasonal_bias,omitempty"`   // 按小写月份名索引
	CapitalWeights map[string]float64 `json:"capital_weights,omitempty"` // 按策略名索引
}

// Cooldown returns the persona cooldown duration.
func (p Policy) Cooldown() time.Duration { return time.Duration(p.CooldownSec) * time.Second }

// Dwell returns the minimum dwell time at an equity band boundary.
func (p Policy) Dwell() time.Duration { return time.Duration(p.DwellSec) * time.Second }

// DrawdownAgeLimit returns how long a drawdown may persist before signals are rejected.
func (p Policy) DrawdownAgeLimit() time.Duration {
	return time.Duration(p.DrawdownAgeLimitSec) * time.Second
}

// MaxSignalAge returns the maximum acceptable signal age.
func (p Policy) MaxSignalAge() time.Duration {
	return time.Duration(p.MaxSignalAgeSec) * time.Second
}

// DedupWindow returns the redundancy detection window.
func (p Policy) DedupWindow() time.Duration {
	return time.Duration(p.DedupWindowSec) * time.Second
}

// ModeSnapshot 是 Governor 原子发布的 (mode, epoch, policy) 快照。
// 快照整体发布、整体读取，读者永远不会观察到撕裂的 (mode, epoch) 组合。
type ModeSnapshot struct {
	Mode        Mode      `json:"mode"`
	Epoch       uint64    `json:"epoch"`
	Policy      Policy    `json:"policy"`
	PublishedAt time.Time `json:"published_at"`
}

// TransitionRecord 是模式切换审计日志中的一条记录，只追加、不修改。
type TransitionRecord struct {
	Epoch         uint64    `json:"epoch"`
	From          Mode      `json:"from"`
	To            Mode      `json:"to"`
	Justification string    `json:"justification"`
	Timestamp     time.Time `json:"timestamp"`
}

func (r TransitionRecord) String() string {
	return fmt.Sprintf("epoch=%d %s->%s (%s)", r.Epoch, r.From, r.To, r.Justification)
}
