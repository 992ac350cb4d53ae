package backtest

import (
	"fmt"
	"strings"

	"titan-control-plane/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Scorer 把一次回测运行聚合成可比较的评分。
type Scorer interface {
	Score(initialBalance float64, results []models.ExecutionResult, equityCurve []float64) models.BacktestScore
}

// DefaultScorer 计算标准绩效指标:胜率、盈亏因子与最大回撤。
type DefaultScorer struct{}

func (DefaultScorer) Score(initialBalance float64, results []models.ExecutionResult, equityCurve []float64) models.BacktestScore {
	s := models.BacktestScore{InitialBalance: initialBalance}

	var grossProfit, grossLoss float64
	for _, r := range results {
		if r.Reason != "settled" {
			continue
		}
		s.TotalTrades++
		s.TotalPnL += r.PnL
		if r.PnL > 0 {
			s.WinningTrades++
			grossProfit += r.PnL
		} else {
			s.LosingTrades++
			grossLoss += -r.PnL
		}
	}

	s.FinalBalance = initialBalance + s.TotalPnL
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossProfit / grossLoss
	}
	s.MaxDrawdown = maxDrawdown(equityCurve) * 100
	return s
}

// maxDrawdown 返回权益曲线相对历史峰值的最大回撤比例。
func maxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDD := 0.0
	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - equity) / peak
		if dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// RenderReport 把参数扫描的各次运行渲染成对比表格。
func RenderReport(runs []models.BacktestRun) string {
	t := table.NewWriter()
	t.SetTitle("回测结果报告")
	t.AppendHeader(table.Row{"参数集", "交易次数", "胜率", "总盈亏 (USDT)", "盈亏因子", "最大回撤", "期末资金"})
	for _, run := range runs {
		t.AppendRow(table.Row{
			run.ID,
			run.Score.TotalTrades,
			fmt.Sprintf("%.2f%%", run.Score.WinRate),
			fmt.Sprintf("%.2f", run.Score.TotalPnL),
			fmt.Sprintf("%.2f", run.Score.ProfitFactor),
			fmt.Sprintf("%.2f%%", run.Score.MaxDrawdown),
			fmt.Sprintf("%.2f", run.Score.FinalBalance),
		})
	}
	var b strings.Builder
	b.WriteString(t.Render())
	b.WriteString("\n")
	return b.String()
}
