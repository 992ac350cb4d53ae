// Package pipeline 把信号路由、风控评估、下单节流与订单执行串成
// 完整的信号处理管道,并负责资金承诺的生命周期与持仓结算。
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"

	"titan-control-plane/internal/bus"
	"titan-control-plane/internal/clock"
	"titan-control-plane/internal/executor"
	"titan-control-plane/internal/models"
	"titan-control-plane/internal/risk"
	"titan-control-plane/internal/router"
	"titan-control-plane/internal/throttle"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrQueueFull 表示有界执行队列已满,信号被拒绝而不是无界排队。
var ErrQueueFull = errors.New("pipeline: execution queue full")

// ErrUnknownPosition 表示结算请求指向不存在的持仓。
var ErrUnknownPosition = errors.New("pipeline: unknown position")

// Options 汇集管道的全部依赖。Workers 为 0 时管道同步内联处理,
// 这是回测获得确定性的前提。
type Options struct {
	Router    *router.Router
	Risk      *risk.Manager
	Throttle  *throttle.Controller
	Executor  executor.Executor
	Bus       *bus.Bus
	Optimizer *router.Optimizer
	Clock     clock.Clock
	Logger    *zap.Logger
	Workers   int
	QueueSize int

	// Approver 是一致性校验器。风控层被门禁时信号在评估前即被
	// 拒绝,不产生资金承诺。为 nil 时不设门禁(测试用)。
	Approver router.Approver

	// OrderIDFunc 覆盖客户端订单号的生成方式。回测注入确定性的
	// 序号生成器;缺省由信号 ID 派生。
	OrderIDFunc func(signalID string) string
}

// openPosition 记录一笔已成交、资金仍被占用的持仓。
type openPosition struct {
	strategy   string
	persona    string
	direction  models.Direction
	entry      float64
	quantity   decimal.Decimal
	fee        decimal.Decimal
	instrument string
	orderID    string
}

// Pipeline 是信号从进入到结清的唯一通道。
type Pipeline struct {
	router    *router.Router
	risk      *risk.Manager
	throttle  *throttle.Controller
	exec      executor.Executor
	bus       *bus.Bus
	optimizer *router.Optimizer
	approver  router.Approver
	clock     clock.Clock
	logger    *zap.Logger

	workers int
	queue   chan models.Signal
	orderID func(string) string

	mu        sync.Mutex
	open      map[string]openPosition
	uncertain map[string]openPosition
	orders    map[string]string // client order ID -> signal ID

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New 创建管道。Workers > 0 时需调用 Start 启动工作协程。
func New(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = clock.Wall{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.OrderIDFunc == nil {
		opts.OrderIDFunc = newClientOrderID
	}
	return &Pipeline{
		router:    opts.Router,
		risk:      opts.Risk,
		throttle:  opts.Throttle,
		exec:      opts.Executor,
		bus:       opts.Bus,
		optimizer: opts.Optimizer,
		approver:  opts.Approver,
		clock:     opts.Clock,
		logger:    opts.Logger,
		workers:   opts.Workers,
		orderID:   opts.OrderIDFunc,
		queue:     make(chan models.Signal, opts.QueueSize),
		open:      make(map[string]openPosition),
		uncertain: make(map[string]openPosition),
		orders:    make(map[string]string),
		stopChan:  make(chan struct{}),
	}
}

// Start 启动工作协程。内联模式(Workers == 0)下是空操作。
func (p *Pipeline) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop 停止接收并等待在途信号处理完毕。
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case sig := <-p.queue:
			p.process(context.Background(), sig)
		}
	}
}

// Submit 接收一个信号。内联模式同步处理并返回;工作池模式投入
// 有界队列,队列满时返回 ErrQueueFull。
func (p *Pipeline) Submit(sig models.Signal) error {
	p.publish(bus.TopicSignals, sig)
	if p.workers == 0 {
		p.process(context.Background(), sig)
		return nil
	}
	select {
	case p.queue <- sig:
		return nil
	default:
		p.logger.Warn("signal dropped, queue full",
			zap.String("module", "pipeline"),
			zap.String("signal_id", sig.ID))
		return ErrQueueFull
	}
}

func (p *Pipeline) process(ctx context.Context, sig models.Signal) {
	ann, verdict, err := p.router.Route(sig)
	p.publish(bus.TopicVerdicts, verdict)
	if err != nil {
		p.publish(bus.TopicFaults, err)
		return
	}
	if !verdict.Keep {
		return
	}

	// 路由之后、资金承诺之前,风控层的缓存 epoch 同样要通过一致性
	// 门禁:被门禁的风控不得在过期策略下批准任何信号。
	if p.approver != nil {
		if err := p.approver.Approve(p.risk.Name()); err != nil {
			p.logger.Warn("risk evaluation blocked by consistency gate",
				zap.String("module", "pipeline"),
				zap.String("action", "risk_blocked"),
				zap.String("signal_id", sig.ID),
				zap.Error(err))
			p.publish(bus.TopicVerdicts, models.Drop(p.risk.Name(), models.ReasonStaleEpoch))
			p.publish(bus.TopicFaults, err)
			return
		}
	}

	decision := p.risk.Evaluate(ann)
	if !decision.Approved {
		p.publish(bus.TopicVerdicts, models.Drop(decision.Stage, decision.Reason))
		return
	}

	req := p.buildRequest(ann, decision)

	select {
	case <-p.stopChan:
		// 停机先于准入:未提交的订单直接取消并释放资金。
		p.risk.Ledger().Release(req.SignalID)
		p.publish(bus.TopicExecutions, models.ExecutionResult{
			SignalID:      req.SignalID,
			ClientOrderID: req.ClientOrderID,
			Outcome:       models.OutcomeCancelled,
			Reason:        "pipeline stopping",
			Timestamp:     p.clock.Now(),
		})
		return
	default:
	}

	if err := p.throttle.Admit(ctx, req.Instrument); err != nil {
		p.risk.Ledger().Release(req.SignalID)
		if errors.Is(err, throttle.ErrBurstExceeded) {
			p.publish(bus.TopicVerdicts, models.Drop("throttle", models.ReasonBurstExceeded))
		} else {
			p.publish(bus.TopicExecutions, models.ExecutionResult{
				SignalID:      req.SignalID,
				ClientOrderID: req.ClientOrderID,
				Outcome:       models.OutcomeCancelled,
				Reason:        err.Error(),
				Timestamp:     p.clock.Now(),
			})
		}
		return
	}

	p.throttle.SetDegraded(!p.exec.Health().Healthy)

	p.mu.Lock()
	p.orders[req.ClientOrderID] = req.SignalID
	p.mu.Unlock()

	result, err := p.exec.Execute(ctx, req)
	if err != nil {
		// 准入之后的传输层失败:订单可能已到达场所,保持资金占用
		// 直到对账给出结论。
		result.Outcome = models.OutcomeUncertain
		if result.Reason == "" {
			result.Reason = err.Error()
		}
	}
	p.publish(bus.TopicExecutions, result)

	switch result.Outcome {
	case models.OutcomeFilled:
		p.mu.Lock()
		p.open[req.SignalID] = openPosition{
			strategy:   ann.Strategy,
			persona:    decision.Persona,
			direction:  req.Direction,
			entry:      result.FilledPrice,
			quantity:   result.FilledQuantity,
			fee:        result.Fee,
			instrument: req.Instrument,
			orderID:    req.ClientOrderID,
		}
		p.mu.Unlock()
	case models.OutcomeVenueRejected, models.OutcomeCancelled:
		p.risk.Ledger().Release(req.SignalID)
		p.mu.Lock()
		delete(p.orders, req.ClientOrderID)
		p.mu.Unlock()
	case models.OutcomeUncertain:
		// 非终态:资金保持占用,等待 ResolveUncertain。
		p.mu.Lock()
		p.uncertain[req.SignalID] = openPosition{
			strategy:   ann.Strategy,
			persona:    decision.Persona,
			direction:  req.Direction,
			entry:      req.Price,
			quantity:   req.Quantity,
			instrument: req.Instrument,
			orderID:    req.ClientOrderID,
		}
		p.mu.Unlock()
	}
}

func (p *Pipeline) buildRequest(ann *models.AnnotatedSignal, decision models.RiskDecision) models.ExecutionRequest {
	notional := decision.Capital.Mul(decimal.NewFromFloat(decision.Leverage))
	quantity := decimal.Zero
	if ann.Price > 0 {
		quantity = notional.Div(decimal.NewFromFloat(ann.Price)).Round(8)
	}
	return models.ExecutionRequest{
		SignalID:      ann.ID,
		ClientOrderID: p.orderID(ann.ID),
		Instrument:    ann.Instrument,
		Direction:     ann.Direction,
		Quantity:      quantity,
		Price:         ann.Price,
		Leverage:      decision.Leverage,
		StopLoss:      decision.StopLoss,
		TakeProfit:    decision.TakeProfit,
		Epoch:         ann.Epoch,
	}
}

// SettlePosition 用退出价结清一笔持仓:计算盈亏、释放资金承诺、
// 并把胜负回馈给阈值优化器与策略表现估计。
func (p *Pipeline) SettlePosition(signalID string, exitPrice float64) (float64, error) {
	p.mu.Lock()
	pos, ok := p.open[signalID]
	if ok {
		delete(p.open, signalID)
		delete(p.orders, pos.orderID)
	}
	p.mu.Unlock()
	if !ok {
		return 0, ErrUnknownPosition
	}

	qty, _ := pos.quantity.Float64()
	pnl := (exitPrice - pos.entry) * qty
	if pos.direction == models.Short {
		pnl = -pnl
	}
	fee, _ := pos.fee.Float64()
	pnl -= fee

	p.risk.Ledger().Release(signalID)
	win := pnl > 0
	p.risk.RecordOutcome(pos.strategy, win)
	if p.optimizer != nil {
		p.optimizer.RecordOutcome(pos.strategy, win)
	}

	p.publish(bus.TopicExecutions, models.ExecutionResult{
		SignalID:  signalID,
		Outcome:   models.OutcomeFilled,
		PnL:       pnl,
		Reason:    "settled",
		Timestamp: p.clock.Now(),
	})
	return pnl, nil
}

// ResolveUncertain 把对账结论应用到一笔 UNCERTAIN 订单:场所确认
// 未成交则释放资金,确认成交则登记持仓等待结算。
func (p *Pipeline) ResolveUncertain(signalID string, result models.ExecutionResult) error {
	p.mu.Lock()
	pos, ok := p.uncertain[signalID]
	if ok {
		delete(p.uncertain, signalID)
	}
	p.mu.Unlock()
	if !ok {
		return ErrUnknownPosition
	}

	p.publish(bus.TopicExecutions, result)
	switch result.Outcome {
	case models.OutcomeFilled:
		if result.FilledPrice > 0 {
			pos.entry = result.FilledPrice
		}
		if result.FilledQuantity.IsPositive() {
			pos.quantity = result.FilledQuantity
		}
		pos.fee = result.Fee
		p.mu.Lock()
		p.open[signalID] = pos
		p.mu.Unlock()
	case models.OutcomeVenueRejected, models.OutcomeCancelled:
		p.risk.Ledger().Release(signalID)
		p.mu.Lock()
		delete(p.orders, pos.orderID)
		p.mu.Unlock()
	}
	return nil
}

// HandleOrderUpdate 消费用户数据流推送的订单终态事件,驱动在线对账:
// 保护单(止损/止盈)成交按成交均价结清对应持仓;入场单的终态事件
// 用于归结仍处于 UNCERTAIN 的订单。与已知订单无关的事件直接忽略。
func (p *Pipeline) HandleOrderUpdate(up executor.OrderUpdate) {
	entryID := strings.TrimSuffix(strings.TrimSuffix(
		up.ClientOrderID, executor.StopSuffix), executor.TakeProfitSuffix)
	protective := entryID != up.ClientOrderID

	p.mu.Lock()
	signalID, ok := p.orders[entryID]
	p.mu.Unlock()
	if !ok {
		return
	}

	if protective {
		if up.Status != executor.OrderStatusFilled {
			return
		}
		if pnl, err := p.SettlePosition(signalID, up.AvgPrice); err == nil {
			p.logger.Info("position settled from user data stream",
				zap.String("module", "pipeline"),
				zap.String("action", "position_settled"),
				zap.String("signal_id", signalID),
				zap.Float64("exit_price", up.AvgPrice),
				zap.Float64("pnl", pnl))
		}
		return
	}

	result := models.ExecutionResult{
		SignalID:       signalID,
		ClientOrderID:  up.ClientOrderID,
		FilledPrice:    up.AvgPrice,
		FilledQuantity: up.Quantity,
		Fee:            up.Fee,
		Reason:         "reconciled from user data stream",
		Timestamp:      up.Timestamp,
	}
	switch up.Status {
	case executor.OrderStatusFilled:
		result.Outcome = models.OutcomeFilled
	case executor.OrderStatusCancelled, executor.OrderStatusExpired:
		result.Outcome = models.OutcomeCancelled
	case executor.OrderStatusRejected:
		result.Outcome = models.OutcomeVenueRejected
	default:
		return
	}
	if err := p.ResolveUncertain(signalID, result); err == nil {
		p.logger.Info("uncertain order reconciled",
			zap.String("module", "pipeline"),
			zap.String("action", "order_reconciled"),
			zap.String("signal_id", signalID),
			zap.String("status", up.Status))
	}
}

// OpenPositions 返回当前未结清持仓的信号 ID。
func (p *Pipeline) OpenPositions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.open))
	for id := range p.open {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pipeline) publish(topic string, msg interface{}) {
	if p.bus != nil {
		p.bus.Publish(topic, msg)
	}
}

// newClientOrderID 由信号 ID 派生紧凑的客户端订单号。派生是确定性的,
// 同一信号重复提交在场所侧天然幂等。
func newClientOrderID(signalID string) string {
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(signalID))
	return "t-" + base62.EncodeToString(u[:])
}
