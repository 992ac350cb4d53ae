package models

import "time"

// Config 结构体定义了控制平面的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	DBPath        string `json:"db_path"`    // 策略库数据库路径
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	IngestAddr string `json:"ingest_addr"` // 策略信号接入面的监听地址

	DefaultMode  string  `json:"default_mode"`  // 启动时的初始运行模式
	TotalCapital float64 `json:"total_capital"` // 资金承诺台账的总容量 (USDT)

	GraceWindowSec   int `json:"grace_window_sec"`   // 模式切换后的 epoch 容忍窗口
	AuditIntervalSec int `json:"audit_interval_sec"` // 一致性校验周期

	OrderRatePerSec float64 `json:"order_rate_per_sec"` // 出站订单速率上限
	OrderBurst      int     `json:"order_burst"`        // 令牌桶突发容量
	MaxAdmitDelayMs int     `json:"max_admit_delay_ms"` // 超过该延迟的请求直接拒绝

	RetryAttempts       int `json:"retry_attempts"`         // 传输失败的重试次数
	RetryInitialDelayMs int `json:"retry_initial_delay_ms"` // 重试前的初始延迟毫秒数

	WorkerCount   int `json:"worker_count"`    // 执行层工作协程数量
	ExecQueueSize int `json:"exec_queue_size"` // 有界执行队列长度

	// 回测/模拟执行器特定配置
	TakerFeeRate float64 `json:"taker_fee_rate"` // 吃单手续费率
	SlippageRate float64 `json:"slippage_rate"`  // 滑点率

	Strategies []string        `json:"strategies"` // 订阅信号的策略列表
	Personas   []PersonaConfig `json:"personas"`   // persona 档案，按权益档位从高到低

	HardMaxLeverage      float64 `json:"hard_max_leverage"`      // 任何策略都不得超过的硬杠杆上限
	HardMinConfidence    float64 `json:"hard_min_confidence"`    // 信心阈值的硬下限
	Policies             map[string]Policy `json:"policies"`     // 按模式名索引的策略表

	LogConfig LogConfig `json:"log"` // 日志配置
}

// PersonaConfig 定义了一个 persona 档案及其权益档位下限。
type PersonaConfig struct {
	Name            string  `json:"name"`
	MinEquity       float64 `json:"min_equity"`        // 进入该档位所需的最低权益
	StopLossScale   float64 `json:"stop_loss_scale"`   // persona 关联的 SL 缩放
	TakeProfitScale float64 `json:"take_profit_scale"` // persona 关联的 TP 缩放
}

// APIURL 根据 IsTestnet 返回应使用的 REST 基础地址。
func (c *Config) APIURL() string {
	if c.IsTestnet {
		return c.TestnetAPIURL
	}
	return c.LiveAPIURL
}

// WSURL 根据 IsTestnet 返回应使用的 WebSocket 基础地址。
func (c *Config) WSURL() string {
	if c.IsTestnet {
		return c.TestnetWSURL
	}
	return c.LiveWSURL
}

// GraceWindow returns the epoch divergence tolerance after a transition.
func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowSec) * time.Second
}

// AuditInterval returns the consistency audit period.
func (c *Config) AuditInterval() time.Duration {
	return time.Duration(c.AuditIntervalSec) * time.Second
}

// MaxAdmitDelay returns the longest throttle delay tolerated before rejection.
func (c *Config) MaxAdmitDelay() time.Duration {
	return time.Duration(c.MaxAdmitDelayMs) * time.Millisecond
}

// RetryInitialDelay returns the initial backoff before an execution retry.
func (c *Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMs) * time.Millisecond
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}
