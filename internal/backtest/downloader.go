package backtest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// KlineDownloader 从币安公共接口下载1分钟K线,落盘为CSV供
// SignalsFromKlines 使用。已存在的文件视为缓存,跳过下载。
type KlineDownloader struct {
	client *binance.Client
	logger *zap.SugaredLogger
}

// NewKlineDownloader 创建下载器。公共K线接口不需要API Key。
func NewKlineDownloader(logger *zap.SugaredLogger) *KlineDownloader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &KlineDownloader{
		client: binance.NewClient("", ""),
		logger: logger,
	}
}

// DownloadKlines 下载指定交易对和时间范围内的1分钟K线数据并写入CSV。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		d.logger.Infof("从缓存加载数据: %s", filePath)
		return nil
	}

	d.logger.Infof("开始下载 %s 从 %s 到 %s 的K线数据...",
		symbol, startTime.Format("2006-01-02"), endTime.Format("2006-01-02"))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval("1m").
			StartTime(t.UnixMilli()).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				fmt.Sprintf("%d", k.OpenTime),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				fmt.Sprintf("%d", k.CloseTime),
				k.QuoteAssetVolume,
				fmt.Sprintf("%d", k.TradeNum),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Infof("已下载数据至 %s", t.Format("2006-01-02 15:04:05"))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond): // 避免过于频繁的请求
		}
	}

	d.logger.Infof("成功下载K线数据到 %s", filePath)
	return nil
}
