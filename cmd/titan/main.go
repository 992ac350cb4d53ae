package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"titan-control-plane/internal/adapter"
	"titan-control-plane/internal/backtest"
	"titan-control-plane/internal/bus"
	"titan-control-plane/internal/clock"
	"titan-control-plane/internal/config"
	"titan-control-plane/internal/consistency"
	"titan-control-plane/internal/executor"
	"titan-control-plane/internal/governor"
	"titan-control-plane/internal/ingest"
	"titan-control-plane/internal/logger"
	"titan-control-plane/internal/models"
	"titan-control-plane/internal/pipeline"
	"titan-control-plane/internal/policystore"
	"titan-control-plane/internal/risk"
	"titan-control-plane/internal/router"
	"titan-control-plane/internal/throttle"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live, backtest or download")
	dataPath := flag.String("data", "", "path to historical signal file for backtesting")
	paramsPath := flag.String("params", "", "path to a JSON file of parameter overrides")
	symbol := flag.String("symbol", "", "symbol to download klines for (e.g., BTCUSDT)")
	startDate := flag.String("start", "", "start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date (YYYY-MM-DD)")
	flag.Parse()

	// 提前用默认配置初始化日志,加载配置后再按文件配置重建。
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件,将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		runLiveMode(cfg)
	case "backtest":
		runBacktestMode(cfg, *dataPath, *paramsPath, *symbol, *startDate, *endDate)
	case "download":
		runDownloadMode(*symbol, *startDate, *endDate)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live'、'backtest' 或 'download'。", *mode)
	}
}

// runLiveMode 组装并运行实时控制平面。
func runLiveMode(cfg *models.Config) {
	logger.S().Info("--- 启动实时模式 ---")

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("错误:BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置。")
	}
	if cfg.IsTestnet {
		logger.S().Info("正在使用测试网...")
	}

	store, err := policystore.NewBadgerStore(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("打开策略库失败: %v", err)
	}
	defer store.Close()

	policies := make(map[models.Mode]models.Policy, len(cfg.Policies))
	for name, p := range cfg.Policies {
		policies[models.Mode(name)] = p
	}
	gov, err := governor.New(governor.Options{
		Store:             store,
		Clock:             clock.Wall{},
		Logger:            logger.L(),
		Policies:          policies,
		InitialMode:       models.Mode(cfg.DefaultMode),
		HardMaxLeverage:   cfg.HardMaxLeverage,
		HardMinConfidence: cfg.HardMinConfidence,
	})
	if err != nil {
		logger.S().Fatalf("初始化模式治理器失败: %v", err)
	}

	validator := consistency.New(gov, clock.Wall{}, cfg.GraceWindow(), cfg.AuditInterval(), logger.L())

	opt := router.NewOptimizer(0.2)
	rtr := router.New("router", adapter.New(), validator,
		router.NewChain(clock.Wall{}, opt, cfg.Personas), logger.L())
	ledger := risk.NewLedger(decimal.NewFromFloat(cfg.TotalCapital))
	riskMgr := risk.NewManager(clock.Wall{}, ledger, cfg.Personas, cfg.TotalCapital, logger.L())

	validator.Register(rtr)
	validator.Register(riskMgr)
	gov.Subscribe(rtr)
	gov.Subscribe(riskMgr)
	gov.Subscribe(validator)
	validator.Start()
	defer validator.Stop()

	exec, err := executor.NewLiveExecutor(apiKey, secretKey, cfg, logger.L())
	if err != nil {
		logger.S().Fatalf("初始化执行器失败: %v", err)
	}
	defer exec.Close()

	b := bus.New(logger.L())
	defer b.Close()

	pipe := pipeline.New(pipeline.Options{
		Router:    rtr,
		Risk:      riskMgr,
		Throttle:  throttle.New(cfg.OrderRatePerSec, cfg.OrderBurst, cfg.MaxAdmitDelay(), logger.L()),
		Executor:  exec,
		Bus:       b,
		Optimizer: opt,
		Approver:  validator,
		Clock:     clock.Wall{},
		Logger:    logger.L(),
		Workers:   cfg.WorkerCount,
		QueueSize: cfg.ExecQueueSize,
	})
	pipe.Start()

	// 一致性故障单独落日志,供告警采集。
	go func() {
		for fault := range validator.Faults() {
			logger.S().Errorw("consistency fault",
				"module", fault.Module,
				"cached_epoch", fault.CachedEpoch,
				"authoritative_epoch", fault.AuthoritativeEpoch)
		}
	}()

	// 策略信号经 WebSocket 接入面进入各自的入口主题,再汇入管道。
	ingestSrv := ingest.NewServer(cfg.IngestAddr, b, cfg.Strategies, logger.L())
	if _, err := ingestSrv.Start(); err != nil {
		logger.S().Fatalf("启动信号接入面失败: %v", err)
	}
	defer ingestSrv.Close()

	stop := make(chan struct{})

	// 用户数据流的订单终态事件驱动在线对账:保护单成交结清持仓,
	// 入场单终态归结 UNCERTAIN 订单并释放资金。
	go func() {
		for {
			select {
			case <-stop:
				return
			case up := <-exec.OrderUpdates():
				pipe.HandleOrderUpdate(up)
			}
		}
	}()

	for _, strategy := range cfg.Strategies {
		sub := b.Subscribe(bus.StrategyTopic(strategy))
		go func() {
			for {
				select {
				case <-stop:
					return
				case msg, ok := <-sub:
					if !ok {
						return
					}
					if sig, ok := msg.(models.Signal); ok {
						if err := pipe.Submit(sig); err != nil {
							logger.S().Warnf("信号被拒绝: %v", err)
						}
					}
				}
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	close(stop)
	pipe.Stop()
	logger.S().Info("控制平面已成功停止。")
}

// runBacktestMode 回放历史信号并输出参数扫描报告。
func runBacktestMode(cfg *models.Config, dataPath, paramsPath, symbol, startDate, endDate string) {
	logger.S().Info("--- 启动回测模式 ---")

	start, end, err := parseRange(startDate, endDate)
	if err != nil {
		logger.S().Fatal(err)
	}

	var records []backtest.Record
	switch {
	case dataPath != "":
		records, err = backtest.LoadSignals(dataPath, start, end)
	case symbol != "":
		klinePath := fmt.Sprintf("data/%s-%s-%s.csv", symbol, startDate, endDate)
		d := backtest.NewKlineDownloader(logger.S())
		if err = d.DownloadKlines(context.Background(), symbol, klinePath, start, end); err == nil {
			records, err = backtest.SignalsFromKlines(klinePath, symbol, "momentum", start, end)
		}
	default:
		logger.S().Fatal("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	if err != nil {
		logger.S().Fatalf("加载回测数据失败: %v", err)
	}

	var overrides []models.ParameterOverride
	if paramsPath != "" {
		raw, err := os.ReadFile(paramsPath)
		if err != nil {
			logger.S().Fatalf("无法读取参数文件: %v", err)
		}
		if err := json.Unmarshal(raw, &overrides); err != nil {
			logger.S().Fatalf("无法解析参数文件: %v", err)
		}
	}

	engine := backtest.NewEngine(cfg, backtest.DefaultScorer{}, logger.L())
	runs, err := engine.Run(records, overrides)
	if err != nil {
		logger.S().Fatalf("回测失败: %v", err)
	}
	fmt.Println(backtest.RenderReport(runs))
}

// runDownloadMode 只下载K线数据,供后续回测复用。
func runDownloadMode(symbol, startDate, endDate string) {
	if symbol == "" || startDate == "" || endDate == "" {
		logger.S().Fatal("下载模式需要 --symbol、--start 和 --end 参数")
	}
	start, end, err := parseRange(startDate, endDate)
	if err != nil {
		logger.S().Fatal(err)
	}
	path := fmt.Sprintf("data/%s-%s-%s.csv", symbol, startDate, endDate)
	d := backtest.NewKlineDownloader(logger.S())
	if err := d.DownloadKlines(context.Background(), symbol, path, start, end); err != nil {
		logger.S().Fatalf("下载数据失败: %v", err)
	}
}

func parseRange(startDate, endDate string) (time.Time, time.Time, error) {
	if startDate == "" || endDate == "" {
		// 未指定范围时回放全部数据。
		return time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC), nil
	}
	start, err1 := time.Parse("2006-01-02", startDate)
	end, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("日期格式错误,请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}
	return start, end, nil
}
