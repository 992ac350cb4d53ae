// Package backtest 在模拟时钟上确定性地回放历史信号:相同的输入
// 数据和参数集产生逐字节相同的结果。
package backtest

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"titan-control-plane/internal/models"
)

// Record 是一条历史信号及其生成时刻的市场快照。
type Record struct {
	Timestamp time.Time
	Signal    models.Signal
	MarkPrice float64
}

// LoadSignals 从CSV文件加载历史信号记录,按时间范围过滤并按时间戳
// 稳定排序。列格式:
//
//	timestamp_ms,signal_id,instrument,direction,confidence,price,strategy,persona,mark_price
func LoadSignals(filePath string, start, end time.Time) ([]Record, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开信号文件 %s: %w", filePath, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("读取CSV失败: %w", err)
	}

	var records []Record
	for i, row := range rows {
		if i == 0 && row[0] == "timestamp_ms" {
			continue // 表头
		}
		if len(row) < 9 {
			return nil, fmt.Errorf("第 %d 行列数不足: 期望 9 列, 得到 %d 列", i+1, len(row))
		}
		rec, err := parseRecord(row)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行解析失败: %w", i+1, err)
		}
		if rec.Timestamp.Before(start) || !rec.Timestamp.Before(end) {
			continue
		}
		records = append(records, rec)
	}

	// 稳定排序:同一时间戳的记录保持文件顺序,这是回放确定性的前提。
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

func parseRecord(row []string) (Record, error) {
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("无效时间戳 %q: %w", row[0], err)
	}
	confidence, err := strconv.ParseFloat(row[4], 64)
	if err != nil {
		return Record{}, fmt.Errorf("无效信心值 %q: %w", row[4], err)
	}
	price, err := strconv.ParseFloat(row[5], 64)
	if err != nil {
		return Record{}, fmt.Errorf("无效价格 %q: %w", row[5], err)
	}
	markPrice, err := strconv.ParseFloat(row[8], 64)
	if err != nil {
		return Record{}, fmt.Errorf("无效标记价格 %q: %w", row[8], err)
	}
	direction := models.Direction(row[3])
	if direction != models.Long && direction != models.Short {
		return Record{}, fmt.Errorf("无效方向 %q", row[3])
	}

	ts := time.UnixMilli(ms).UTC()
	return Record{
		Timestamp: ts,
		Signal: models.Signal{
			ID:          row[1],
			Instrument:  row[2],
			Direction:   direction,
			Confidence:  confidence,
			Price:       price,
			GeneratedAt: ts,
			Strategy:    row[6],
			Persona:     row[7],
		},
		MarkPrice: markPrice,
	}, nil
}

// SignalsFromKlines 把下载的1分钟K线CSV合成为动量信号序列:方向取
// K线涨跌,信心与涨跌幅成正比。用于没有真实信号存档时的参数扫描。
func SignalsFromKlines(filePath, symbol, strategy string, start, end time.Time) ([]Record, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开K线文件 %s: %w", filePath, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("读取K线CSV失败: %w", err)
	}

	var records []Record
	for i, row := range rows {
		if i == 0 && row[0] == "open_time" {
			continue
		}
		if len(row) < 5 {
			continue
		}
		openMs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行无效开盘时间: %w", i+1, err)
		}
		openPrice, err1 := strconv.ParseFloat(row[1], 64)
		closePrice, err2 := strconv.ParseFloat(row[4], 64)
		if err1 != nil || err2 != nil || openPrice <= 0 {
			return nil, fmt.Errorf("第 %d 行无效价格", i+1)
		}

		ts := time.UnixMilli(openMs).UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}

		direction := models.Long
		if closePrice < openPrice {
			direction = models.Short
		}
		// 涨跌幅映射到 [0.5, 1.0):0.5% 的单分钟波动已近满格。
		move := math.Abs(closePrice-openPrice) / openPrice
		confidence := 0.5 + math.Min(move*100, 0.499)

		records = append(records, Record{
			Timestamp: ts,
			Signal: models.Signal{
				ID:          fmt.Sprintf("%s-%d", symbol, openMs),
				Instrument:  symbol,
				Direction:   direction,
				Confidence:  confidence,
				Price:       closePrice,
				GeneratedAt: ts,
				Strategy:    strategy,
			},
			MarkPrice: closePrice,
		})
	}
	return records, nil
}
