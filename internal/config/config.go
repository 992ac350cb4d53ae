package config

import (
	"encoding/json"
	"fmt"
	"os"

	"titan-control-plane/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中，
// 随后做启动期校验。启动期的 ConfigurationFault 是致命错误。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, &models.ConfigurationFault{Field: path, Detail: err.Error()}
	}

	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验配置中的策略边界。返回的错误总是 *models.ConfigurationFault。
func Validate(cfg *models.Config) error {
	if !models.Mode(cfg.DefaultMode).Valid() {
		return &models.ConfigurationFault{Field: "default_mode", Detail: fmt.Sprintf("unknown mode %q", cfg.DefaultMode)}
	}
	if cfg.TotalCapital <= 0 {
		return &models.ConfigurationFault{Field: "total_capital", Detail: "must be positive"}
	}
	if cfg.OrderRatePerSec <= 0 {
		return &models.ConfigurationFault{Field: "order_rate_per_sec", Detail: "must be positive"}
	}
	if cfg.OrderBurst <= 0 {
		return &models.ConfigurationFault{Field: "order_burst", Detail: "must be positive"}
	}
	if len(cfg.Policies) == 0 {
		return &models.ConfigurationFault{Field: "policies", Detail: "at least one mode policy is required"}
	}
	if _, ok := cfg.Policies[cfg.DefaultMode]; !ok {
		return &models.ConfigurationFault{Field: "policies", Detail: fmt.Sprintf("no policy for default mode %q", cfg.DefaultMode)}
	}
	for name, p := range cfg.Policies {
		if err := ValidatePolicy(name, p, cfg.HardMaxLeverage, cfg.HardMinConfidence); err != nil {
			return err
		}
	}
	if len(cfg.Personas) == 0 {
		return &models.ConfigurationFault{Field: "personas", Detail: "at least one persona profile is required"}
	}
	return nil
}

// ValidatePolicy 校验单个模式策略是否落在硬边界之内。
// Governor 在模式切换和运行期重载时使用同一套校验。
func ValidatePolicy(name string, p models.Policy, hardMaxLeverage, hardMinConfidence float64) error {
	field := func(f string) string { return fmt.Sprintf("policies[%s].%s", name, f) }

	if !models.Mode(name).Valid() {
		return &models.ConfigurationFault{Field: "policies", Detail: fmt.Sprintf("unknown mode %q", name)}
	}
	if p.MinConfidence < 0 || p.MaxConfidence > 1 || p.MinConfidence > p.MaxConfidence {
		return &models.ConfigurationFault{Field: field("min_confidence"), Detail: "bounds must satisfy 0 <= min <= max <= 1"}
	}
	if hardMinConfidence > 0 && p.MinConfidence < hardMinConfidence {
		return &models.ConfigurationFault{Field: field("min_confidence"), Detail: fmt.Sprintf("below hard floor %.2f", hardMinConfidence)}
	}
	if p.BaseConfidence < p.MinConfidence || p.BaseConfidence > p.MaxConfidence {
		return &models.ConfigurationFault{Field: field("base_confidence"), Detail: "must lie within [min, max]"}
	}
	if p.MaxLeverage < 1 {
		return &models.ConfigurationFault{Field: field("max_leverage"), Detail: "must be >= 1"}
	}
	if hardMaxLeverage > 0 && p.MaxLeverage > hardMaxLeverage {
		return &models.ConfigurationFault{Field: field("max_leverage"), Detail: fmt.Sprintf("exceeds hard cap %.1f", hardMaxLeverage)}
	}
	if p.RiskAppetite <= 0 || p.RiskAppetite > 1 {
		return &models.ConfigurationFault{Field: field("risk_appetite"), Detail: "must be in (0, 1]"}
	}
	for _, w := range p.TradingWindows {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
			return &models.ConfigurationFault{Field: field("trading_windows"), Detail: "hours must be within 0..24"}
		}
	}
	return nil
}
