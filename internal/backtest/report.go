package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// SaveJSON 将完整回测结果写为 JSON 文件，返回文件路径。
func SaveJSON(dir string, result Result) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建输出目录失败: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("backtest_%s_%s.json",
		result.Symbol, time.Now().UTC().Format("20060102_150405")))

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化回测结果失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("写入回测结果失败: %w", err)
	}
	return path, nil
}

// SaveCSV 将逐笔交易写为 CSV 文件，返回文件路径。
func SaveCSV(dir string, result Result) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建输出目录失败: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("trades_%s_%s.csv",
		result.Symbol, time.Now().UTC().Format("20060102_150405")))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("创建交易明细文件失败: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"symbol", "market_ticker", "direction", "entry_time", "entry_price",
		"contracts", "size", "fees", "confidence", "spread",
		"exit_time", "pnl", "outcome", "market_result",
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("写入表头失败: %w", err)
	}

	for _, t := range result.Trades {
		exitTime := ""
		if !t.ExitTime.IsZero() {
			exitTime = t.ExitTime.UTC().Format(time.RFC3339)
		}
		row := []string{
			t.Symbol,
			t.Ticker,
			t.Direction,
			t.EntryTime.UTC().Format(time.RFC3339),
			strconv.FormatFloat(t.EntryPrice, 'f', 2, 64),
			strconv.FormatFloat(t.Contracts, 'f', 4, 64),
			strconv.FormatFloat(t.Size, 'f', 2, 64),
			strconv.FormatFloat(t.Fees, 'f', 4, 64),
			strconv.FormatFloat(t.Confidence, 'f', 1, 64),
			strconv.FormatFloat(t.Spread, 'f', 1, 64),
			exitTime,
			strconv.FormatFloat(t.PnL, 'f', 2, 64),
			t.Outcome,
			t.MarketResult,
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("写入交易明细失败: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("刷新交易明细失败: %w", err)
	}
	return path, nil
}
