package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/market"
)

// historyPageLimit 是单次K线请求的上限，与 Binance REST 限制一致。
const historyPageLimit = 1000

// Ticker 是现货交易对的24小时快照。
type Ticker struct {
	Symbol         string
	Last           float64
	Volume24h      float64
	PriceChange24h float64
}

// BinanceClient 封装 ccxt 现货客户端并实现重试机制。
type BinanceClient struct {
	cfg      config.BinanceConfig
	logger   *zap.Logger
	exchange *ccxt.Binance

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var _ market.CandleSource = (*BinanceClient)(nil)

// NewBinanceClient 构造 Binance 现货客户端。
func NewBinanceClient(cfg config.BinanceConfig, logger *zap.Logger) *BinanceClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "spot",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &BinanceClient{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}
}

// HistoricalCandles 分页拉取 [start, end) 区间内的1分钟K线，
// 每页推进水位直到覆盖区间或数据源耗尽。
func (c *BinanceClient) HistoricalCandles(ctx context.Context, symbol string, start, end time.Time) ([]market.Candle, error) {
	var out []market.Candle
	cursor := start

	for cursor.Before(end) {
		page, err := c.fetchOHLCVPage(ctx, symbol, cursor, historyPageLimit)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, k := range page {
			if !k.OpenTime.Before(end) {
				return out, nil
			}
			if k.OpenTime.Before(cursor) {
				continue
			}
			out = append(out, k)
		}

		next := page[len(page)-1].OpenTime.Add(time.Minute)
		if !next.After(cursor) {
			// 数据源停止推进，避免死循环。
			break
		}
		cursor = next
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s [%s, %s)", market.ErrNoData, symbol,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return out, nil
}

// RecentCandles 返回最近 limit 根已完成的1分钟K线。
// 多拉一根并丢弃最新的未完成K线，动量计算绝不允许混入半成品。
func (c *BinanceClient) RecentCandles(ctx context.Context, symbol string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := c.callWithRetry(ctx, "fetch_ohlcv_recent", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchOHLCV(
			ccxtSymbol(symbol),
			ccxt.WithFetchOHLCVTimeframe("1m"),
			ccxt.WithFetchOHLCVLimit(int64(limit+1)),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", market.ErrNoData, symbol)
	}

	candles := convertOHLCV(raw)
	if len(candles) > 1 {
		candles = candles[:len(candles)-1]
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// FetchTicker 返回24小时行情快照。
func (c *BinanceClient) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	var raw ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		ticker, err := c.exchange.FetchTicker(ccxtSymbol(symbol))
		if err != nil {
			return err
		}
		raw = ticker
		return nil
	})
	if err != nil {
		return Ticker{}, err
	}

	out := Ticker{Symbol: symbol}
	if raw.Last != nil {
		out.Last = *raw.Last
	}
	if raw.QuoteVolume != nil {
		out.Volume24h = *raw.QuoteVolume
	}
	if raw.Percentage != nil {
		out.PriceChange24h = *raw.Percentage
	}
	return out, nil
}

func (c *BinanceClient) fetchOHLCVPage(ctx context.Context, symbol string, since time.Time, limit int64) ([]market.Candle, error) {
	var raw []ccxt.OHLCV
	err := c.callWithRetry(ctx, "fetch_ohlcv_history", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchOHLCV(
			ccxtSymbol(symbol),
			ccxt.WithFetchOHLCVTimeframe("1m"),
			ccxt.WithFetchOHLCVSince(since.UnixMilli()),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return convertOHLCV(raw), nil
}

// ensureMarketsLoaded 首次调用时加载市场元数据。客户端被多个轮询
// 协程共享，标志位的读写都必须在锁内完成。
func (c *BinanceClient) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.exchange.LoadMarkets(); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

// callWithRetry 以指数退避执行一次外呼，不可重试错误立即返回。
func (c *BinanceClient) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	delay := c.cfg.Retry.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("行情源调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalized, retryable := classifyError(err)
		if errors.Is(normalized, ErrMaintenance) {
			c.logger.Warn("交易所维护中", zap.String("operation", operation), zap.Error(normalized))
			return normalized
		}
		if !retryable || attempt >= maxAttempts {
			c.logger.Error("行情源调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalized),
			)
			return normalized
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		c.logger.Warn("行情源调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func convertOHLCV(raw []ccxt.OHLCV) []market.Candle {
	candles := make([]market.Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, market.Candle{
			OpenTime: time.UnixMilli(item.Timestamp).UTC(),
			Open:     item.Open,
			High:     item.High,
			Low:      item.Low,
			Close:    item.Close,
			Volume:   item.Volume,
		})
	}
	return candles
}

// ccxtSymbol 把 "BTCUSDT" 形式的交易对转换为 ccxt 的 "BTC/USDT"。
func ccxtSymbol(symbol string) string {
	upper := strings.ToUpper(symbol)
	if strings.Contains(upper, "/") {
		return upper
	}
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return upper[:len(upper)-len(quote)] + "/" + quote
		}
	}
	return upper
}
