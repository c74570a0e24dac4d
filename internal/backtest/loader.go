package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kalshi-arb/internal/cache"
	"kalshi-arb/internal/config"
	"kalshi-arb/internal/market"
)

// coverageThreshold 是直接使用缓存的最低覆盖率。
const coverageThreshold = 0.95

// tradeFetchConcurrency 限制并发拉取成交的市场数，避免触发限流。
const tradeFetchConcurrency = 4

// Loader 组装回测数据集：优先读取本地缓存，缺口回源拉取并回灌。
type Loader struct {
	cfg     config.BacktestConfig
	cache   *cache.Cache
	candles market.CandleSource
	odds    market.OddsSource
	logger  *zap.Logger
}

// NewLoader 创建数据装载器。cache 可以为空，此时全部回源。
func NewLoader(cfg config.BacktestConfig, c *cache.Cache, candles market.CandleSource, odds market.OddsSource, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{cfg: cfg, cache: c, candles: candles, odds: odds, logger: logger}
}

// Load 为一个交易对装载 [start, end) 区间的完整数据集。
func (l *Loader) Load(ctx context.Context, symbol string, start, end time.Time) (*Dataset, error) {
	candles, err := l.loadCandles(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}

	markets, err := l.loadMarkets(ctx, symbol)
	if err != nil {
		return nil, err
	}

	ticks, err := l.loadTicks(ctx, markets, start, end)
	if err != nil {
		return nil, err
	}

	// 区间内没有任何成交观测的市场对回放没有价值。
	kept := markets[:0]
	for _, m := range markets {
		if len(ticks[m.Ticker]) > 0 {
			kept = append(kept, m)
		} else {
			delete(ticks, m.Ticker)
		}
	}

	l.logger.Info("回测数据集装载完成",
		zap.String("symbol", symbol),
		zap.Int("candles", len(candles)),
		zap.Int("markets", len(kept)),
	)

	return &Dataset{
		Symbol:  symbol,
		Start:   start,
		End:     end,
		Candles: candles,
		Markets: kept,
		Ticks:   ticks,
	}, nil
}

// loadCandles 优先使用缓存，覆盖率达标时完全不回源。
func (l *Loader) loadCandles(ctx context.Context, symbol string, start, end time.Time) ([]market.Candle, error) {
	expected := int(end.Sub(start) / time.Minute)
	if expected <= 0 {
		return nil, fmt.Errorf("backtest: 区间 [%s, %s) 无效", start, end)
	}

	if l.cache != nil {
		count, err := l.cache.CandleCoverage(ctx, symbol, start, end)
		if err != nil {
			return nil, err
		}
		if float64(count)/float64(expected) >= coverageThreshold {
			l.logger.Info("K线缓存覆盖率达标，跳过回源",
				zap.String("symbol", symbol),
				zap.Int("cached", count),
				zap.Int("expected", expected),
			)
			return l.cache.Candles(ctx, symbol, start, end)
		}
	}

	candles, err := l.candles.HistoricalCandles(ctx, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("拉取历史K线失败: %w", err)
	}

	if l.cache != nil {
		if err := l.cache.SaveCandles(ctx, symbol, candles); err != nil {
			l.logger.Warn("回灌K线缓存失败", zap.Error(err))
		}
	}
	return candles, nil
}

// loadMarkets 拉取已结算且成交量达标的市场，失败时回退到缓存。
func (l *Loader) loadMarkets(ctx context.Context, symbol string) ([]market.Market, error) {
	series := market.SeriesOf(symbol)

	markets, err := l.odds.Markets(ctx, series, "settled", 500)
	if err != nil {
		if l.cache == nil {
			return nil, fmt.Errorf("拉取已结算市场失败: %w", err)
		}
		l.logger.Warn("拉取已结算市场失败，回退到缓存", zap.Error(err))
		markets, err = l.cache.Markets(ctx, series, "settled")
		if err != nil {
			return nil, err
		}
	} else if l.cache != nil {
		if err := l.cache.SaveMarkets(ctx, series, markets); err != nil {
			l.logger.Warn("回灌市场缓存失败", zap.Error(err))
		}
	}

	kept := make([]market.Market, 0, len(markets))
	for _, m := range markets {
		if m.Result == "" {
			continue
		}
		if m.Volume <= int64(l.cfg.MinMarketVolume) {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: 系列 %s 没有可用的已结算市场", market.ErrNoData, series)
	}
	return kept, nil
}

// loadTicks 并发拉取各市场的成交观测，单个市场失败不拖垮整体。
func (l *Loader) loadTicks(ctx context.Context, markets []market.Market, start, end time.Time) (map[string][]market.OddsTick, error) {
	var mu sync.Mutex
	out := make(map[string][]market.OddsTick, len(markets))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(tradeFetchConcurrency)

	for _, m := range markets {
		m := m
		group.Go(func() error {
			ticks, err := l.loadMarketTicks(groupCtx, m, start, end)
			if err != nil {
				l.logger.Warn("拉取市场成交失败，跳过该市场",
					zap.String("ticker", m.Ticker),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			out[m.Ticker] = ticks
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Loader) loadMarketTicks(ctx context.Context, m market.Market, start, end time.Time) ([]market.OddsTick, error) {
	if l.cache != nil {
		count, err := l.cache.OddsTickCount(ctx, m.Ticker)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return l.cache.OddsTicks(ctx, m.Ticker, start, end)
		}
	}

	ticks, err := l.odds.Trades(ctx, m.Ticker, start, end, 10000)
	if err != nil {
		return nil, err
	}

	// 成交流不携带结算结果，从市场元数据补上再回灌缓存。
	for i := range ticks {
		ticks[i].Result = m.Result
	}

	if l.cache != nil && len(ticks) > 0 {
		if err := l.cache.SaveOddsTicks(ctx, m.Ticker, ticks); err != nil {
			l.logger.Warn("回灌成交缓存失败", zap.String("ticker", m.Ticker), zap.Error(err))
		}
	}
	return ticks, nil
}
