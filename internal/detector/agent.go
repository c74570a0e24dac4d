package detector

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"kalshi-arb/internal/event"
)

// opportunityAlertThreshold 以上的信号额外发布一条 OPPORTUNITY 告警。
const opportunityAlertThreshold = 90.0

// Agent 把 Detector 接到事件总线上：缓存各交易对最近一次价格观测
// 与各市场最近一次赔率观测，任一侧刷新时对配对的另一侧重新评估，
// 命中则发布套利信号。
type Agent struct {
	detector *Detector
	bus      *event.Bus
	logger   *zap.Logger

	mu     sync.Mutex
	prices map[string]event.PriceUpdate // symbol -> 最近价格观测
	odds   map[string]event.MarketOdds  // ticker -> 最近赔率观测
}

// NewAgent 创建总线检测代理并完成订阅。订阅必须在 bus.Start 之前。
func NewAgent(detector *Detector, bus *event.Bus, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		detector: detector,
		bus:      bus,
		logger:   logger.With(zap.String("agent", "detector")),
		prices:   make(map[string]event.PriceUpdate),
		odds:     make(map[string]event.MarketOdds),
	}
	bus.Subscribe(event.KindPriceUpdate, a.onPriceUpdate)
	bus.Subscribe(event.KindMarketOdds, a.onMarketOdds)
	return a
}

func (a *Agent) onPriceUpdate(ctx context.Context, ev event.Event) error {
	price, ok := ev.(event.PriceUpdate)
	if !ok {
		return nil
	}

	a.mu.Lock()
	a.prices[price.Symbol] = price
	matched := make([]event.MarketOdds, 0, 4)
	for _, o := range a.odds {
		if o.Underlying == price.Symbol {
			matched = append(matched, o)
		}
	}
	a.mu.Unlock()

	for _, o := range matched {
		a.evaluate(price, o)
	}
	return nil
}

func (a *Agent) onMarketOdds(ctx context.Context, ev event.Event) error {
	odds, ok := ev.(event.MarketOdds)
	if !ok {
		return nil
	}

	a.mu.Lock()
	a.odds[odds.Ticker] = odds
	price, havePrice := a.prices[odds.Underlying]
	a.mu.Unlock()

	if havePrice {
		a.evaluate(price, odds)
	}
	return nil
}

func (a *Agent) evaluate(price event.PriceUpdate, odds event.MarketOdds) {
	signal, ok := a.detector.Evaluate(Observation{Price: price, Odds: odds})
	if !ok {
		return
	}

	a.logger.Info("检测到套利信号",
		zap.String("symbol", signal.Symbol),
		zap.String("ticker", signal.Ticker),
		zap.String("direction", signal.Direction),
		zap.Float64("confidence", signal.Confidence),
		zap.Float64("spread", signal.Spread),
	)
	a.bus.Publish(signal)

	if signal.Confidence >= opportunityAlertThreshold {
		a.bus.Publish(event.Alert{
			Timestamp: signal.Timestamp,
			Level:     "OPPORTUNITY",
			Message:   signal.Recommendation,
			Source:    "detector",
			Details: map[string]interface{}{
				"symbol":        signal.Symbol,
				"market_ticker": signal.Ticker,
				"confidence":    signal.Confidence,
			},
		})
	}
}
