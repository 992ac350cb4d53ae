package models

import "fmt"

// RejectReason 是裁决携带的机器可读原因码。
type RejectReason string

const (
	ReasonSignalExpired        RejectReason = "signal_expired"
	ReasonDuplicateSignal      RejectReason = "duplicate_signal"
	ReasonOutsideTradingWindow RejectReason = "outside_trading_window"
	ReasonConfidenceBelow      RejectReason = "confidence_below_threshold"
	ReasonSeasonalBiasBlock    RejectReason = "seasonal_bias_block"
	ReasonCrossoverUnconfirmed RejectReason = "crossover_not_confirmed"
	ReasonPersonaCooldown      RejectReason = "persona_cooldown_active"
	ReasonPersonaInactive      RejectReason = "persona_inactive"
	ReasonDrawdownAgeExceeded  RejectReason = "drawdown_age_exceeded"
	ReasonInsufficientCapital  RejectReason = "insufficient_capital"
	ReasonLeverageExceeded     RejectReason = "leverage_exceeded"
	ReasonBurstExceeded        RejectReason = "burst_exceeded"
	ReasonStaleEpoch           RejectReason = "stale_epoch"
)

// ConsistencyFault 表示某个模块缓存的 epoch 落后于权威值且超出容忍窗口。
// 在该模块完成重新同步之前，不允许它批准任何信号。
type ConsistencyFault struct {
	Module             string
	CachedEpoch        uint64
	AuthoritativeEpoch uint64
}

func (e *ConsistencyFault) Error() string {
	return fmt.Sprintf("consistency fault: module %s cached epoch %d, authoritative epoch %d",
		e.Module, e.CachedEpoch, e.AuthoritativeEpoch)
}

// ConfigurationFault 表示策略/边界配置非法。启动期致命；
// 运行期的重载尝试被拒绝并回滚到原有配置。
type ConfigurationFault struct {
	Field  string
	Detail string
}

func (e *ConfigurationFault) Error() string {
	return fmt.Sprintf("configuration fault: %s: %s", e.Field, e.Detail)
}
