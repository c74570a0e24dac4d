package feed

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/event"
	"kalshi-arb/internal/market"
)

// OddsAgent 周期性拉取预测市场行情，发布 MarketOdds 事件。
// 实现 agent.Runner，由监督器驱动。
type OddsAgent struct {
	cfg    config.KalshiConfig
	client *KalshiClient
	bus    *event.Bus
	logger *zap.Logger
}

// NewOddsAgent 创建预测市场行情代理。
func NewOddsAgent(cfg config.KalshiConfig, client *KalshiClient, bus *event.Bus, logger *zap.Logger) *OddsAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OddsAgent{
		cfg:    cfg,
		client: client,
		bus:    bus,
		logger: logger.With(zap.String("agent", "kalshi-feed")),
	}
}

// Name 返回代理名称。
func (a *OddsAgent) Name() string {
	return "kalshi-feed"
}

// Tick 对每个系列拉取开放市场并发布赔率，然后等待下一个轮询周期。
func (a *OddsAgent) Tick(ctx context.Context) error {
	start := time.Now()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, series := range a.cfg.Series {
		series := series
		group.Go(func() error {
			return a.pollSeries(groupCtx, series)
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

func (a *OddsAgent) pollSeries(ctx context.Context, series string) error {
	markets, err := a.client.Markets(ctx, series, "open", 100)
	if err != nil {
		return err
	}

	underlying := market.SymbolOfSeries(series)
	if underlying == "" {
		a.logger.Warn("系列没有对应的现货交易对，跳过", zap.String("series", series))
		return nil
	}

	now := time.Now().UTC()
	published := 0
	for _, m := range markets {
		// 没有任何报价的空壳市场不值得发布。
		if m.YesPrice <= 0 {
			continue
		}
		a.bus.Publish(event.MarketOdds{
			Timestamp:    now,
			Ticker:       m.Ticker,
			Title:        m.Title,
			YesPrice:     m.YesPrice,
			NoPrice:      m.NoPrice,
			Volume:       m.Volume,
			OpenInterest: m.OpenInterest,
			Underlying:   underlying,
			Strike:       m.Strike,
			Expiration:   m.Expiration,
		})
		published++
	}

	a.logger.Debug("预测市场赔率已发布",
		zap.String("series", series),
		zap.Int("markets", len(markets)),
		zap.Int("published", published),
	)
	return nil
}
