package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"kalshi-arb/internal/backtest"
	"kalshi-arb/internal/cache"
	"kalshi-arb/internal/config"
	"kalshi-arb/internal/detector"
	"kalshi-arb/internal/feed"
	"kalshi-arb/internal/log"
	"kalshi-arb/internal/sizing"
)

// 退出码约定：0 盈利，1 配置或数据失败，2 回测完成但净亏损。
const (
	exitProfitable = 0
	exitFailure    = 1
	exitNegative   = 2
)

func main() {
	var (
		configPath string
		symbol     string
		days       int
		startStr   string
		endStr     string
		capital    float64
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&symbol, "symbol", "BTCUSDT", "回测交易对")
	flag.IntVar(&days, "days", 7, "回测天数，自当前时间向前")
	flag.StringVar(&startStr, "start", "", "回测起始时间 (RFC3339)，设置后覆盖 -days")
	flag.StringVar(&endStr, "end", "", "回测结束时间 (RFC3339)，默认当前时间")
	flag.Float64Var(&capital, "capital", 0, "初始资金，覆盖配置文件")
	flag.Parse()

	os.Exit(run(configPath, symbol, days, startStr, endStr, capital))
}

func run(configPath, symbol string, days int, startStr, endStr string, capital float64) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return exitFailure
	}
	if capital > 0 {
		cfg.Backtest.InitialCapital = capital
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return exitFailure
	}
	defer func() { _ = logger.Sync() }()

	start, end, err := resolveRange(days, startStr, endStr)
	if err != nil {
		logger.Error("解析回测区间失败", zap.Error(err))
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataCache, err := cache.Open(cfg.Cache, logger)
	if err != nil {
		logger.Error("打开缓存失败", zap.Error(err))
		return exitFailure
	}
	defer func() {
		if closeErr := dataCache.Close(); closeErr != nil {
			logger.Warn("关闭缓存失败", zap.Error(closeErr))
		}
	}()

	binance := feed.NewBinanceClient(cfg.Binance, logger)
	kalshi := feed.NewKalshiClient(cfg.Kalshi, logger)
	loader := backtest.NewLoader(cfg.Backtest, dataCache, binance, kalshi, logger)

	data, err := loader.Load(ctx, symbol, start, end)
	if err != nil {
		logger.Error("装载回测数据失败", zap.Error(err))
		return exitFailure
	}

	// 回测使用独立的冷却配置，检测器其余阈值与实盘一致。
	detCfg := cfg.Detector
	detCfg.Cooldown = cfg.Backtest.Cooldown
	det := detector.New(detCfg, cfg.Strategy, logger)

	engine, err := backtest.NewEngine(cfg.Backtest, det, sizing.New(cfg.Backtest.Sizing), logger)
	if err != nil {
		logger.Error("构建回测引擎失败", zap.Error(err))
		return exitFailure
	}

	result, err := engine.Run(ctx, data)
	if err != nil {
		logger.Error("回测执行失败", zap.Error(err))
		return exitFailure
	}

	jsonPath, err := backtest.SaveJSON(cfg.Backtest.OutputDir, result)
	if err != nil {
		logger.Error("保存回测结果失败", zap.Error(err))
		return exitFailure
	}
	csvPath, err := backtest.SaveCSV(cfg.Backtest.OutputDir, result)
	if err != nil {
		logger.Error("保存交易明细失败", zap.Error(err))
		return exitFailure
	}

	m := result.Metrics
	logger.Info("回测报告已生成",
		zap.String("json", jsonPath),
		zap.String("csv", csvPath),
	)
	fmt.Printf("回测区间: %s ~ %s  交易对: %s\n", start.Format(time.RFC3339), end.Format(time.RFC3339), symbol)
	fmt.Printf("信号: %d  交易: %d  胜率: %.1f%%\n", m.SignalsGenerated, m.TotalTrades, m.WinRate)
	fmt.Printf("总盈亏: %.2f  收益率: %.2f%%  最大回撤: %.2f%%  夏普: %.2f\n",
		m.TotalPnL, m.ReturnPct, m.MaxDrawdown*100, m.SharpeRatio)

	if m.TotalPnL < 0 {
		return exitNegative
	}
	return exitProfitable
}

func resolveRange(days int, startStr, endStr string) (time.Time, time.Time, error) {
	end := time.Now().UTC().Truncate(time.Minute)
	if endStr != "" {
		parsed, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("无效的结束时间 %q: %w", endStr, err)
		}
		end = parsed.UTC()
	}

	var start time.Time
	if startStr != "" {
		parsed, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("无效的起始时间 %q: %w", startStr, err)
		}
		start = parsed.UTC()
	} else {
		if days <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("回测天数必须大于0")
		}
		start = end.AddDate(0, 0, -days)
	}

	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("起始时间 %s 必须早于结束时间 %s", start, end)
	}
	return start, end, nil
}
