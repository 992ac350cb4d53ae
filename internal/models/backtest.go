package models

import "time"

// ParameterOverride 是参数扫描中对基准策略的一组覆盖值。
// 扫描的编排在系统外部完成，引擎只接收参数集序列。
type ParameterOverride struct {
	Name           string   `json:"name"`
	BaseConfidence *float64 `json:"base_confidence,omitempty"`
	MaxLeverage    *float64 `json:"max_leverage,omitempty"`
	RiskAppetite   *float64 `json:"risk_appetite,omitempty"`
	StopLossMult   *float64 `json:"stop_loss_mult,omitempty"`
	TakeProfitMult *float64 `json:"take_profit_mult,omitempty"`
}

// Apply returns a copy of the policy with the override's non-nil fields set.
func (o ParameterOverride) Apply(p Policy) Policy {
	if o.BaseConfidence != nil {
		p.BaseConfidence = *o.BaseConfidence
	}
	if o.MaxLeverage != nil {
		p.MaxLeverage = *o.MaxLeverage
	}
	if o.RiskAppetite != nil {
		p.RiskAppetite = *o.RiskAppetite
	}
	if o.StopLossMult != nil {
		p.StopLossMult = *o.StopLossMult
	}
	if o.TakeProfitMult != nil {
		p.TakeProfitMult = *o.TakeProfitMult
	}
	return p
}

// BacktestScore 是 Result Scorer 对一次回测的聚合评分。
type BacktestScore struct {
	InitialBalance float64 `json:"initial_balance"`
	FinalBalance   float64 `json:"final_balance"`
	TotalPnL       float64 `json:"total_pnl"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdown    float64 `json:"max_drawdown"`
}

// BacktestRun 是一个参数集在一段历史数据上的回放结果，评分后不可变。
type BacktestRun struct {
	ID       string            `json:"id"`
	Params   ParameterOverride `json:"params"`
	Start    time.Time         `json:"start"`
	End      time.Time         `json:"end"`
	Results  []ExecutionResult `json:"results"`
	Verdicts []Verdict         `json:"verdicts,omitempty"`
	Score    BacktestScore     `json:"score"`
}
