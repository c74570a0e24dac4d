package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kalshi-arb/internal/agent"
	"kalshi-arb/internal/aggregator"
	"kalshi-arb/internal/config"
	"kalshi-arb/internal/detector"
	"kalshi-arb/internal/event"
	"kalshi-arb/internal/feed"
)

// orchestrator 组装实盘流水线：事件总线、行情代理、检测器与聚合器。
// 启动顺序为先订阅后启动总线，再启动代理；停止顺序与之相反。
type orchestrator struct {
	bus         *event.Bus
	aggregator  *aggregator.Aggregator
	supervisors []*agent.Supervisor
	logger      *zap.Logger
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger) *orchestrator {
	bus := event.NewBus(logger)

	det := detector.New(cfg.Detector, cfg.Strategy, logger)
	detector.NewAgent(det, bus, logger)

	agg := aggregator.New(cfg.Aggregator, bus, logger)

	binance := feed.NewBinanceClient(cfg.Binance, logger)
	kalshi := feed.NewKalshiClient(cfg.Kalshi, logger)

	priceAgent := feed.NewPriceAgent(cfg.Binance, binance, bus, logger)
	oddsAgent := feed.NewOddsAgent(cfg.Kalshi, kalshi, bus, logger)

	supervisors := []*agent.Supervisor{
		agent.NewSupervisor(priceAgent, cfg.Agent, logger),
		agent.NewSupervisor(oddsAgent, cfg.Agent, logger),
		agent.NewSupervisor(agg, cfg.Agent, logger),
	}

	return &orchestrator{
		bus:         bus,
		aggregator:  agg,
		supervisors: supervisors,
		logger:      logger,
	}
}

// start 先启动总线再启动全部代理。
func (o *orchestrator) start(ctx context.Context) {
	o.bus.Start(ctx)
	for _, s := range o.supervisors {
		s.Start(ctx)
	}
}

// stop 按启动的逆序停止：先停代理，不再有新事件后再停总线。
func (o *orchestrator) stop() {
	for i := len(o.supervisors) - 1; i >= 0; i-- {
		o.supervisors[i].Stop()
	}
	o.bus.Stop()
}

// healths 返回全部代理的健康快照。
func (o *orchestrator) healths() []agent.Health {
	out := make([]agent.Health, 0, len(o.supervisors))
	for _, s := range o.supervisors {
		out = append(out, s.Health())
	}
	return out
}

// watchHealth 周期性输出代理健康状况，直到上下文取消。
func (o *orchestrator) watchHealth(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, h := range o.healths() {
				o.logger.Info("代理健康状况",
					zap.String("agent", h.Name),
					zap.Bool("running", h.Running),
					zap.Float64("uptime_seconds", h.Uptime),
					zap.String("breaker", string(h.BreakerState)),
					zap.Int("consecutive_errors", h.ConsecutiveErrors),
					zap.Int("total_errors", h.TotalErrors),
				)
			}
			stats := o.aggregator.Snapshot()
			o.logger.Info("累计信号统计",
				zap.Int("total_signals", stats.TotalSignals),
				zap.Any("by_symbol", stats.BySymbol),
			)
		}
	}
}
