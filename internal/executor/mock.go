package executor

import (
	"context"
	"fmt"
	"sync"

	"titan-control-plane/internal/clock"
	"titan-control-plane/internal/models"

	"github.com/shopspring/decimal"
)

// MockExecutor 是确定性的模拟执行器:成交价按固定滑点率推导,手续费
// 按吃单费率计提,场所订单号是递增序号,时间戳来自注入的时钟。
// 相同的请求序列在相同时钟下产生逐字节相同的结果序列。
type MockExecutor struct {
	clock        clock.Clock
	takerFeeRate float64
	slippageRate float64

	mu      sync.Mutex
	seq     int64
	pending []models.Outcome // 测试/回测注入的非成交结果队列
	reasons []string
}

// NewMockExecutor 创建模拟执行器。clk 为 nil 时使用墙钟。
func NewMockExecutor(clk clock.Clock, takerFeeRate, slippageRate float64) *MockExecutor {
	if clk == nil {
		clk = clock.Wall{}
	}
	return &MockExecutor{
		clock:        clk,
		takerFeeRate: takerFeeRate,
		slippageRate: slippageRate,
	}
}

// InjectOutcome 把下一次 Execute 的结果替换为给定的非成交结果。
// 多次调用按 FIFO 顺序消费。
func (m *MockExecutor) InjectOutcome(outcome models.Outcome, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, outcome)
	m.reasons = append(m.reasons, reason)
}

// Execute 模拟一笔市价单成交。
func (m *MockExecutor) Execute(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return models.ExecutionResult{
			SignalID:      req.SignalID,
			ClientOrderID: req.ClientOrderID,
			Outcome:       models.OutcomeCancelled,
			Reason:        err.Error(),
			Timestamp:     m.clock.Now(),
		}, nil
	}

	m.mu.Lock()
	m.seq++
	seq := m.seq
	var injected models.Outcome
	var reason string
	if len(m.pending) > 0 {
		injected, m.pending = m.pending[0], m.pending[1:]
		reason, m.reasons = m.reasons[0], m.reasons[1:]
	}
	m.mu.Unlock()

	result := models.ExecutionResult{
		SignalID:      req.SignalID,
		ClientOrderID: req.ClientOrderID,
		Timestamp:     m.clock.Now(),
	}
	if injected != "" {
		result.Outcome = injected
		result.Reason = reason
		return result, nil
	}

	// 吃单方向承受滑点。
	fill := req.Price
	if req.Direction == models.Long {
		fill = req.Price * (1 + m.slippageRate)
	} else {
		fill = req.Price * (1 - m.slippageRate)
	}

	notional := req.Quantity.Mul(decimal.NewFromFloat(fill))
	result.Outcome = models.OutcomeFilled
	result.VenueOrderID = fmt.Sprintf("SIM-%d", seq)
	result.FilledPrice = fill
	result.FilledQuantity = req.Quantity
	result.Fee = notional.Mul(decimal.NewFromFloat(m.takerFeeRate)).Round(8)
	return result, nil
}

// Cancel 在模拟执行器中总是成功。
func (m *MockExecutor) Cancel(ctx context.Context, req models.ExecutionRequest) error {
	return nil
}

// Health 模拟通道永远健康。
func (m *MockExecutor) Health() HealthStatus {
	return HealthStatus{Healthy: true, LastEvent: m.clock.Now()}
}

// Close 无资源可释放。
func (m *MockExecutor) Close() error { return nil }
