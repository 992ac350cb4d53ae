package backtest

import (
	"fmt"
	"sort"

	"titan-control-plane/internal/adapter"
	"titan-control-plane/internal/bus"
	"titan-control-plane/internal/clock"
	"titan-control-plane/internal/executor"
	"titan-control-plane/internal/governor"
	"titan-control-plane/internal/models"
	"titan-control-plane/internal/pipeline"
	"titan-control-plane/internal/policystore"
	"titan-control-plane/internal/risk"
	"titan-control-plane/internal/router"
	"titan-control-plane/internal/throttle"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine 对每个参数集重放同一段历史记录。每次运行使用全新的组件
// 栈(内存策略库、治理器、路由器、风控、模拟执行器),内联处理且
// 不节流,因此运行之间互不影响,同一参数集的重复运行逐字节一致。
type Engine struct {
	cfg    *models.Config
	scorer Scorer
	logger *zap.Logger
}

// NewEngine 创建回测引擎。scorer 为 nil 时使用 DefaultScorer。
func NewEngine(cfg *models.Config, scorer Scorer, logger *zap.Logger) *Engine {
	if scorer == nil {
		scorer = DefaultScorer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, scorer: scorer, logger: logger}
}

// approveAll 在回测中替代一致性校验:只有一个 epoch,永不过期。
type approveAll struct{}

func (approveAll) Approve(string) error { return nil }

// Run 依次回放每个参数集,返回评分后的运行结果。
func (e *Engine) Run(records []Record, overrides []models.ParameterOverride) ([]models.BacktestRun, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("没有可回放的记录")
	}
	if len(overrides) == 0 {
		overrides = []models.ParameterOverride{{Name: "baseline"}}
	}

	runs := make([]models.BacktestRun, 0, len(overrides))
	for _, o := range overrides {
		run, err := e.replay(records, o)
		if err != nil {
			return nil, fmt.Errorf("参数集 %q 回放失败: %w", o.Name, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (e *Engine) replay(records []Record, override models.ParameterOverride) (models.BacktestRun, error) {
	clk := clock.NewSimulated(records[0].Timestamp)

	policies := make(map[models.Mode]models.Policy, len(e.cfg.Policies))
	for name, p := range e.cfg.Policies {
		policies[models.Mode(name)] = override.Apply(p)
	}

	gov, err := governor.New(governor.Options{
		Store:             policystore.NewMemoryStore(),
		Clock:             clk,
		Policies:          policies,
		InitialMode:       models.Mode(e.cfg.DefaultMode),
		HardMaxLeverage:   e.cfg.HardMaxLeverage,
		HardMinConfidence: e.cfg.HardMinConfidence,
	})
	if err != nil {
		return models.BacktestRun{}, err
	}

	opt := router.NewOptimizer(0.2)
	rtr := router.New("backtest-router", adapter.New(), approveAll{},
		router.NewChain(clk, opt, e.cfg.Personas), nil)
	ledger := risk.NewLedger(decimal.NewFromFloat(e.cfg.TotalCapital))
	rm := risk.NewManager(clk, ledger, e.cfg.Personas, e.cfg.TotalCapital, nil)
	gov.Subscribe(rtr)
	gov.Subscribe(rm)

	mock := executor.NewMockExecutor(clk, e.cfg.TakerFeeRate, e.cfg.SlippageRate)
	b := bus.New(nil)
	defer b.Close()
	verdictCh := b.Subscribe(bus.TopicVerdicts)
	execCh := b.Subscribe(bus.TopicExecutions)

	pipe := pipeline.New(pipeline.Options{
		Router:    rtr,
		Risk:      rm,
		Throttle:  throttle.Unlimited(),
		Executor:  mock,
		Bus:       b,
		Optimizer: opt,
		Approver:  approveAll{},
		Clock:     clk,
		Workers:   0, // 内联处理是确定性的前提
	})

	run := models.BacktestRun{
		ID:     override.Name,
		Params: override,
		Start:  records[0].Timestamp,
		End:    records[len(records)-1].Timestamp,
	}

	equity := e.cfg.TotalCapital
	equityCurve := []float64{equity}
	instrumentOf := make(map[string]string, len(records))
	lastMark := make(map[string]float64)

	for _, rec := range records {
		clk.Set(rec.Timestamp)
		lastMark[rec.Signal.Instrument] = rec.MarkPrice
		instrumentOf[rec.Signal.ID] = rec.Signal.Instrument
		if err := pipe.Submit(rec.Signal); err != nil {
			return models.BacktestRun{}, err
		}
		run.Verdicts = append(run.Verdicts, drainVerdicts(verdictCh)...)
		run.Results = append(run.Results, drainResults(execCh)...)
	}

	// 期末按各自合约的最后标记价结清所有持仓。排序保证结算顺序
	// 与运行无关。
	openIDs := pipe.OpenPositions()
	sort.Strings(openIDs)
	for _, id := range openIDs {
		mark, ok := lastMark[instrumentOf[id]]
		if !ok {
			continue
		}
		pnl, err := pipe.SettlePosition(id, mark)
		if err != nil {
			return models.BacktestRun{}, err
		}
		equity += pnl
		equityCurve = append(equityCurve, equity)
		rm.UpdateEquity(equity)
	}
	run.Results = append(run.Results, drainResults(execCh)...)

	run.Score = e.scorer.Score(e.cfg.TotalCapital, run.Results, equityCurve)
	e.logger.Info("backtest run complete",
		zap.String("module", "backtest"),
		zap.String("params", override.Name),
		zap.Float64("total_pnl", run.Score.TotalPnL),
		zap.Int("trades", run.Score.TotalTrades))
	return run, nil
}

func drainVerdicts(ch <-chan interface{}) []models.Verdict {
	var out []models.Verdict
	for {
		select {
		case msg := <-ch:
			if v, ok := msg.(models.Verdict); ok {
				out = append(out, v)
			}
		default:
			return out
		}
	}
}

func drainResults(ch <-chan interface{}) []models.ExecutionResult {
	var out []models.ExecutionResult
	for {
		select {
		case msg := <-ch:
			if r, ok := msg.(models.ExecutionResult); ok {
				out = append(out, r)
			}
		default:
			return out
		}
	}
}
