package feed

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/event"
	"kalshi-arb/internal/momentum"
)

// PriceAgent 周期性拉取现货行情，计算动量后发布 PriceUpdate 事件。
// 实现 agent.Runner，由监督器驱动。
type PriceAgent struct {
	cfg    config.BinanceConfig
	client *BinanceClient
	bus    *event.Bus
	logger *zap.Logger
}

// NewPriceAgent 创建现货行情代理。
func NewPriceAgent(cfg config.BinanceConfig, client *BinanceClient, bus *event.Bus, logger *zap.Logger) *PriceAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceAgent{
		cfg:    cfg,
		client: client,
		bus:    bus,
		logger: logger.With(zap.String("agent", "binance-feed")),
	}
}

// Name 返回代理名称。
func (a *PriceAgent) Name() string {
	return "binance-feed"
}

// Tick 对每个交易对并发完成一轮拉取与发布，然后等待下一个轮询周期。
// 任一交易对失败会让本轮以错误结束，交给监督器退避。
func (a *PriceAgent) Tick(ctx context.Context) error {
	start := time.Now()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, symbol := range a.cfg.Symbols {
		symbol := symbol
		group.Go(func() error {
			return a.pollSymbol(groupCtx, symbol)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	wait := a.cfg.PollInterval - time.Since(start)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *PriceAgent) pollSymbol(ctx context.Context, symbol string) error {
	candles, err := a.client.RecentCandles(ctx, symbol, a.cfg.MomentumWindow)
	if err != nil {
		return err
	}

	ticker, err := a.client.FetchTicker(ctx, symbol)
	if err != nil {
		return err
	}

	stat := momentum.Calculate(candles)
	update := event.PriceUpdate{
		Timestamp:       time.Now().UTC(),
		Symbol:          symbol,
		Price:           ticker.Last,
		Volume24h:       ticker.Volume24h,
		PriceChange24h:  ticker.PriceChange24h,
		MomentumUpPct:   stat.UpPct,
		WindowMinutes:   a.cfg.MomentumWindow,
		CandlesAnalyzed: stat.Samples,
		TrendConfirmed:  stat.TrendConfirmed,
	}
	a.bus.Publish(update)

	a.logger.Debug("现货行情已发布",
		zap.String("symbol", symbol),
		zap.Float64("price", update.Price),
		zap.Float64("momentum_up_pct", update.MomentumUpPct),
		zap.Int("candles", update.CandlesAnalyzed),
	)
	return nil
}
