package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/detector"
	"kalshi-arb/internal/event"
	"kalshi-arb/internal/market"
	"kalshi-arb/internal/momentum"
	"kalshi-arb/internal/sizing"
)

// Engine 按分钟回放历史数据并驱动检测器。
//
// 第 i 分钟的动量只使用 [i-window, i) 区间内的已完成K线，
// 绝不读取第 i 分钟及之后的数据。实盘与回测共用同一个检测器实现。
type Engine struct {
	cfg    config.BacktestConfig
	det    *detector.Detector
	sizer  *sizing.Sizer
	logger *zap.Logger
}

// NewEngine 构建回测引擎。
func NewEngine(cfg config.BacktestConfig, det *detector.Detector, sizer *sizing.Sizer, logger *zap.Logger) (*Engine, error) {
	if det == nil {
		return nil, fmt.Errorf("backtest: detector 不能为空")
	}
	if sizer == nil {
		return nil, fmt.Errorf("backtest: sizer 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, det: det, sizer: sizer, logger: logger}, nil
}

// Run 对数据集执行完整回放。
func (e *Engine) Run(ctx context.Context, data *Dataset) (Result, error) {
	if len(data.Candles) <= e.cfg.Window {
		return Result{}, fmt.Errorf("backtest: K线数量 %d 不足以支撑窗口 %d", len(data.Candles), e.cfg.Window)
	}

	sim := NewSimulator(e.cfg)

	indexes := make(map[string]*oddsIndex, len(data.Markets))
	results := make(map[string]string, len(data.Markets))
	titles := make(map[string]string, len(data.Markets))
	for _, m := range data.Markets {
		indexes[m.Ticker] = newOddsIndex(data.Ticks[m.Ticker])
		results[m.Ticker] = m.Result
		titles[m.Ticker] = m.Title
	}

	signals := 0
	latency := time.Duration(0)
	if e.cfg.Realistic.Enabled && e.cfg.Realistic.LatencyMs > 0 {
		latency = time.Duration(e.cfg.Realistic.LatencyMs) * time.Millisecond
	}

	for i := e.cfg.Window; i < len(data.Candles); i++ {
		if i%5000 == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}

		now := data.Candles[i].OpenTime
		e.resolveDue(sim, results, now)

		// 决策只使用当前时间点的报价，延迟影响的是成交而不是决策。
		ticker, tick, ok := e.bestOdds(indexes, now)
		if !ok {
			continue
		}

		w := e.cfg.Window
		if alt := e.det.MomentumWindowFor(ticker); alt > 0 && alt < w {
			w = alt
		}
		window := data.Candles[i-w : i]
		stat := momentum.Calculate(window)

		obs := detector.Observation{
			Price: event.PriceUpdate{
				Timestamp:       now,
				Symbol:          data.Symbol,
				Price:           window[len(window)-1].Close,
				MomentumUpPct:   stat.UpPct,
				WindowMinutes:   w,
				CandlesAnalyzed: stat.Samples,
				TrendConfirmed:  stat.TrendConfirmed,
			},
			Odds: event.MarketOdds{
				Timestamp:  tick.Timestamp,
				Ticker:     ticker,
				Title:      titles[ticker],
				YesPrice:   tick.YesPrice,
				NoPrice:    tick.NoPrice,
				Underlying: data.Symbol,
			},
			Window:          window,
			HasOpenPosition: sim.HasOpenPosition(data.Symbol),
		}

		signal, accepted := e.det.Evaluate(obs)
		if !accepted {
			continue
		}
		signals++

		if signal.Confidence < e.cfg.MinConfidence {
			continue
		}

		// 同一市场不重复开仓。
		if sim.HasOpenMarket(signal.Ticker) {
			continue
		}

		entryPrice := signal.YesPrice
		if signal.Direction == "DOWN" {
			entryPrice = signal.NoPrice
		}
		if latency > 0 {
			// 按延迟之后的报价成交，期间没有新报价时按决策价成交。
			if fill, ok := indexes[signal.Ticker].at(now.Add(latency)); ok && fill.YesPrice > 0 {
				entryPrice = fill.YesPrice
				if signal.Direction == "DOWN" {
					entryPrice = fill.NoPrice
				}
			}
		}
		if entryPrice <= 0 || entryPrice >= 100 {
			continue
		}

		size := e.tradeSize(sim.Capital(), signal.Confidence, entryPrice)
		if size <= 0 {
			continue
		}

		opened := sim.TryOpen(Trade{
			Symbol:     data.Symbol,
			Ticker:     signal.Ticker,
			Direction:  signal.Direction,
			EntryTime:  now,
			EntryPrice: entryPrice,
			Size:       size,
			Confidence: signal.Confidence,
			Spread:     signal.Spread,
		})
		if opened {
			e.logger.Debug("回测开仓",
				zap.String("ticker", signal.Ticker),
				zap.String("direction", signal.Direction),
				zap.Time("entry_time", now),
				zap.Float64("entry_price", entryPrice),
				zap.Float64("confidence", signal.Confidence),
			)
		}
	}

	// 回放结束，剩余持仓按入场价平掉。
	end := data.Candles[len(data.Candles)-1].OpenTime
	e.resolveDue(sim, results, end.Add(time.Minute))
	sim.ForceCloseAll(end)

	metrics := sim.Metrics()
	metrics.SignalsGenerated = signals

	e.logger.Info("回测完成",
		zap.String("symbol", data.Symbol),
		zap.Int("signals", signals),
		zap.Int("trades", metrics.TotalTrades),
		zap.Float64("win_rate", metrics.WinRate),
		zap.Float64("total_pnl", metrics.TotalPnL),
		zap.Float64("max_drawdown", metrics.MaxDrawdown),
	)

	return Result{
		Symbol:      data.Symbol,
		Start:       data.Start,
		End:         data.End,
		Metrics:     metrics,
		Trades:      sim.ClosedTrades(),
		EquityCurve: sim.EquityCurve(),
	}, nil
}

// resolveDue 处理到达最大持有期的持仓：市场结算结果已知时按结果
// 平仓，结果仍未知时按入场价保守平掉。结果在回放时间轴上早已写定，
// 持有期届满之前使用它等于偷看未来。
func (e *Engine) resolveDue(sim *Simulator, results map[string]string, now time.Time) {
	due := make([]*Trade, 0, 2)
	for _, t := range sim.OpenTrades() {
		if now.Sub(t.EntryTime) < e.cfg.MaxHolding {
			continue
		}
		due = append(due, t)
	}
	for _, t := range due {
		if result := results[t.Ticker]; result != "" {
			sim.Resolve(t, result, now)
		} else {
			sim.ForceClose(t, now)
		}
	}
}

// bestOdds 在全部市场中挑选该时间点赔率最接近50的观测，
// 最接近五五开的市场承载的信息最少，也正是错价检验的对象。
func (e *Engine) bestOdds(indexes map[string]*oddsIndex, at time.Time) (string, market.OddsTick, bool) {
	bestDistance := math.MaxFloat64
	var bestTicker string
	var best market.OddsTick
	found := false

	for ticker, idx := range indexes {
		tick, ok := idx.at(at)
		if !ok || tick.YesPrice <= 0 {
			continue
		}
		distance := math.Abs(tick.YesPrice - 50)
		if distance < bestDistance || (distance == bestDistance && ticker < bestTicker) {
			bestDistance = distance
			bestTicker = ticker
			best = tick
			found = true
		}
	}
	return bestTicker, best, found
}

// tradeSize 计算下注金额：固定模式沿用 trade_size，
// 其余模式交给仓位计算器。
func (e *Engine) tradeSize(capital, confidence, entryPrice float64) float64 {
	if e.cfg.Sizing.Method == "fixed" && e.cfg.Sizing.BaseSize <= 0 {
		size := e.cfg.TradeSize
		if size > capital {
			size = capital
		}
		return size
	}
	return e.sizer.Size(capital, confidence, entryPrice)
}
