// Package executor 负责把风控批准的执行请求落地为交易所订单。
// 提供 LiveExecutor(真实下单)与 MockExecutor(确定性模拟)两种实现。
package executor

import (
	"context"
	"time"

	"titan-control-plane/internal/models"

	"github.com/shopspring/decimal"
)

// HealthStatus 描述执行通道的健康状况,节流层据此决定是否降速。
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	LastEvent time.Time `json:"last_event,omitempty"`
}

// 用户数据流推送的订单终态。
const (
	OrderStatusFilled    = "FILLED"
	OrderStatusCancelled = "CANCELED"
	OrderStatusExpired   = "EXPIRED"
	OrderStatusRejected  = "REJECTED"
)

// 保护单客户端订单号的后缀,由入场单订单号加后缀派生。
const (
	StopSuffix       = "-sl"
	TakeProfitSuffix = "-tp"
)

// OrderUpdate 是用户数据流推送的一笔订单终态事件,管道消费它来
// 结清持仓与归结 UNCERTAIN 订单。
type OrderUpdate struct {
	ClientOrderID string
	Status        string
	AvgPrice      float64
	Quantity      decimal.Decimal
	Fee           decimal.Decimal
	Timestamp     time.Time
}

// Executor 是执行层的统一抽象。Execute 返回的 ExecutionResult 携带终态
// 或 UNCERTAIN;只有传输层彻底失败时才返回非 nil error。
type Executor interface {
	Execute(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error)
	Cancel(ctx context.Context, req models.ExecutionRequest) error
	Health() HealthStatus
	Close() error
}
