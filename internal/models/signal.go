package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction 定义了信号的交易方向。
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Signal 是策略发布的原始交易信号。创建后不可变；
// 管道各阶段只派生注解，从不就地修改。
type Signal struct {
	ID          string    `json:"id"`
	Instrument  string    `json:"instrument"`
	Direction   Direction `json:"direction"`
	Confidence  float64   `json:"confidence"`
	Price       float64   `json:"price"` // 信号生成时的标记价格
	GeneratedAt time.Time `json:"generated_at"`
	Strategy    string    `json:"strategy"`
	Persona     string    `json:"persona,omitempty"`
}

// AnnotatedSignal carries the original signal plus the annotations each
// pipeline stage attaches on its way through the filter chain and risk layer.
type AnnotatedSignal struct {
	Signal

	// Epoch is the mode epoch the signal was routed under.
	Epoch uint64 `json:"epoch"`

	EffectiveThreshold float64 `json:"effective_threshold,omitempty"`
	SeasonalBias       float64 `json:"seasonal_bias,omitempty"`
	CrossoverConfirmed bool    `json:"crossover_confirmed,omitempty"`

	// Absolute SL/TP prices derived from the persona-linked multipliers.
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// Verdict 是过滤器或风控阶段对一个信号的裁决。
type Verdict struct {
	Keep   bool         `json:"keep"`
	Stage  string       `json:"stage,omitempty"`
	Reason RejectReason `json:"reason,omitempty"`
}

// Accept returns a keep verdict.
func Accept() Verdict { return Verdict{Keep: true} }

// Drop returns a rejection verdict attributed to the given stage.
func Drop(stage string, reason RejectReason) Verdict {
	return Verdict{Keep: false, Stage: stage, Reason: reason}
}

// RiskDecision 是 persona/资金/杠杆评估对一个信号的最终裁决。
type RiskDecision struct {
	SignalID string       `json:"signal_id"`
	Persona  string       `json:"persona"`
	Approved bool         `json:"approved"`
	Stage    string       `json:"stage,omitempty"`
	Reason   RejectReason `json:"reason,omitempty"`

	Capital    decimal.Decimal `json:"capital"`
	Leverage   float64         `json:"leverage"`
	StopLoss   float64         `json:"stop_loss"`
	TakeProfit float64         `json:"take_profit"`
}

// ExecutionRequest 由 RiskDecision 与当前 Policy 共同决定。
type ExecutionRequest struct {
	SignalID      string          `json:"signal_id"`
	ClientOrderID string          `json:"client_order_id"`
	Instrument    string          `json:"instrument"`
	Direction     Direction       `json:"direction"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         float64         `json:"price"`
	Leverage      float64         `json:"leverage"`
	StopLoss      float64         `json:"stop_loss"`
	TakeProfit    float64         `json:"take_profit"`
	Epoch         uint64          `json:"epoch"`
}

// Outcome 对执行结果分类。场所拒单是终态；传输失败在重试耗尽后
// 变为 Uncertain，需要与场所对账之后才能视为结清。
type Outcome string

const (
	OutcomeFilled        Outcome = "FILLED"
	OutcomeVenueRejected Outcome = "VENUE_REJECTED"
	OutcomeUncertain     Outcome = "UNCERTAIN"
	OutcomeCancelled     Outcome = "CANCELLED"
)

// Terminal reports whether the outcome settles the signal. Uncertain is
// deliberately non-terminal: it requires reconciliation.
func (o Outcome) Terminal() bool {
	return o == OutcomeFilled || o == OutcomeVenueRejected || o == OutcomeCancelled
}

// ExecutionResult 记录一次执行尝试的结果。
type ExecutionResult struct {
	SignalID       string          `json:"signal_id"`
	ClientOrderID  string          `json:"client_order_id"`
	Outcome        Outcome         `json:"outcome"`
	VenueOrderID   string          `json:"venue_order_id,omitempty"`
	FilledPrice    float64         `json:"filled_price,omitempty"`
	FilledQuantity decimal.Decimal `json:"filled_quantity,omitempty"`
	Fee            decimal.Decimal `json:"fee,omitempty"`
	PnL            float64         `json:"pnl,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Retries        int             `json:"retries,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}
