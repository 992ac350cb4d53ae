package backtest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"titan-control-plane/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSignalCSV(t *testing.T, rows []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signals.csv")
	content := "timestamp_ms,signal_id,instrument,direction,confidence,price,strategy,persona,mark_price\n"
	for _, r := range rows {
		content += r + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSignalsFiltersAndSorts(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := []string{
		// 故意乱序写入
		fmt.Sprintf("%d,s3,BTCUSDT,LONG,0.7,50000,grid,sentinel,50000", base.Add(3*time.Minute).UnixMilli()),
		fmt.Sprintf("%d,s1,BTCUSDT,LONG,0.6,49900,grid,sentinel,49900", base.Add(1*time.Minute).UnixMilli()),
		fmt.Sprintf("%d,s9,BTCUSDT,SHORT,0.8,50100,grid,sentinel,50100", base.Add(90*time.Minute).UnixMilli()), // 超出范围
	}
	path := writeSignalCSV(t, rows)

	records, err := LoadSignals(path, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "s1", records[0].Signal.ID)
	assert.Equal(t, "s3", records[1].Signal.ID)
	assert.Equal(t, models.Long, records[0].Signal.Direction)
	assert.InDelta(t, 49900.0, records[0].MarkPrice, 1e-9)
}

func TestLoadSignalsRejectsMalformedRows(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	path := writeSignalCSV(t, []string{
		fmt.Sprintf("%d,s1,BTCUSDT,SIDEWAYS,0.6,49900,grid,sentinel,49900", base.UnixMilli()),
	})
	_, err := LoadSignals(path, base, base.Add(time.Hour))
	assert.Error(t, err)
}

func TestSignalsFromKlines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klines.csv")
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	content := "open_time,open,high,low,close,volume,close_time,quote_asset_volume,number_of_trades,taker_buy_base_asset_volume,taker_buy_quote_asset_volume\n"
	content += fmt.Sprintf("%d,50000,50300,49900,50250,10,%d,0,0,0,0\n", base.UnixMilli(), base.Add(time.Minute).UnixMilli()-1)
	content += fmt.Sprintf("%d,50250,50260,49800,49900,12,%d,0,0,0,0\n", base.Add(time.Minute).UnixMilli(), base.Add(2*time.Minute).UnixMilli()-1)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	records, err := SignalsFromKlines(path, "BTCUSDT", "momentum", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.Long, records[0].Signal.Direction)
	assert.Equal(t, models.Short, records[1].Signal.Direction)
	assert.Greater(t, records[0].Signal.Confidence, 0.5)
	assert.LessOrEqual(t, records[0].Signal.Confidence, 1.0)
}

func backtestConfig() *models.Config {
	return &models.Config{
		DefaultMode:       "BALANCED",
		TotalCapital:      10000,
		TakerFeeRate:      0.0004,
		SlippageRate:      0.0005,
		HardMaxLeverage:   20,
		HardMinConfidence: 0.1,
		Personas: []models.PersonaConfig{
			{Name: "sentinel", MinEquity: 0, StopLossScale: 1, TakeProfitScale: 1},
		},
		Policies: map[string]models.Policy{
			"BALANCED": {
				MinConfidence:       0.3,
				MaxConfidence:       0.9,
				BaseConfidence:      0.5,
				MaxLeverage:         5,
				RiskAppetite:        0.5,
				CooldownSec:         300,
				DwellSec:            600,
				DrawdownAgeLimitSec: 3600,
				MaxSignalAgeSec:     60,
				DedupWindowSec:      60,
				StopLossMult:        0.02,
				TakeProfitMult:      0.04,
			},
		},
	}
}

func syntheticRecords(n int) []Record {
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		price := 50000 + float64(i*13%700)
		records = append(records, Record{
			Timestamp: ts,
			Signal: models.Signal{
				ID:          fmt.Sprintf("sig-%02d", i),
				Instrument:  fmt.Sprintf("PAIR%dUSDT", i%5),
				Direction:   models.Long,
				Confidence:  0.55 + float64(i%4)*0.1,
				Price:       price,
				GeneratedAt: ts,
				Strategy:    "momentum",
				Persona:     "sentinel",
			},
			MarkPrice: price + 25,
		})
	}
	return records
}

func TestReplayIsDeterministic(t *testing.T) {
	records := syntheticRecords(20)
	overrides := []models.ParameterOverride{{Name: "baseline"}}

	engine := NewEngine(backtestConfig(), nil, nil)
	first, err := engine.Run(records, overrides)
	require.NoError(t, err)
	second, err := engine.Run(records, overrides)
	require.NoError(t, err)

	// 相同输入必须产生逐字段相同的裁决与执行结果序列。
	assert.Equal(t, first, second)
	require.Len(t, first, 1)
	assert.Greater(t, first[0].Score.TotalTrades, 0)
}

func TestParameterOverridesChangeBehavior(t *testing.T) {
	records := syntheticRecords(20)
	strict := 0.89
	overrides := []models.ParameterOverride{
		{Name: "baseline"},
		{Name: "strict-confidence", BaseConfidence: &strict},
	}

	engine := NewEngine(backtestConfig(), nil, nil)
	runs, err := engine.Run(records, overrides)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// 高阈值参数集应放行更少的信号。
	assert.Less(t, runs[1].Score.TotalTrades, runs[0].Score.TotalTrades)
	assert.Equal(t, "strict-confidence", runs[1].ID)
}

func TestDefaultScorerMetrics(t *testing.T) {
	results := []models.ExecutionResult{
		{Reason: "settled", PnL: 100},
		{Reason: "settled", PnL: -50},
		{Reason: "settled", PnL: 30},
		{Outcome: models.OutcomeFilled}, // 未结算的成交不计入
	}
	curve := []float64{10000, 10100, 10050, 10080}

	score := DefaultScorer{}.Score(10000, results, curve)
	assert.Equal(t, 3, score.TotalTrades)
	assert.Equal(t, 2, score.WinningTrades)
	assert.Equal(t, 1, score.LosingTrades)
	assert.InDelta(t, 80.0, score.TotalPnL, 1e-9)
	assert.InDelta(t, 10080.0, score.FinalBalance, 1e-9)
	assert.InDelta(t, 130.0/50.0, score.ProfitFactor, 1e-9)
	assert.InDelta(t, (10100.0-10050.0)/10100.0*100, score.MaxDrawdown, 1e-9)
}

func TestRenderReportContainsRuns(t *testing.T) {
	runs := []models.BacktestRun{
		{ID: "baseline", Score: models.BacktestScore{TotalTrades: 3, WinRate: 66.67, TotalPnL: 80}},
	}
	out := RenderReport(runs)
	assert.Contains(t, out, "baseline")
	assert.Contains(t, out, "66.67%")
}
