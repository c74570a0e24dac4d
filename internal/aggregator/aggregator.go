package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/event"
)

// Aggregator 汇聚套利信号：按 TTL 去重、维护计数，并把接受的信号
// 追加写入按天滚动的 JSONL 文件。实现 agent.Runner，Tick 负责清理
// 过期的去重记录并输出周期统计。
type Aggregator struct {
	cfg    config.AggregatorConfig
	logger *zap.Logger

	mu       sync.Mutex
	seen     map[string]time.Time
	total    int
	bySymbol map[string]int
	alerts   int
	prices   int
	odds     int
}

// Stats 是聚合器的计数快照。
type Stats struct {
	TotalSignals int            `json:"total_signals"`
	BySymbol     map[string]int `json:"by_symbol"`
	Alerts       int            `json:"alerts"`
	PriceUpdates int            `json:"price_updates"`
	OddsUpdates  int            `json:"odds_updates"`
}

// New 创建聚合器并订阅全部四类事件，必须在 bus.Start 之前调用。
func New(cfg config.AggregatorConfig, bus *event.Bus, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		cfg:      cfg,
		logger:   logger.With(zap.String("agent", "aggregator")),
		seen:     make(map[string]time.Time),
		bySymbol: make(map[string]int),
	}
	bus.Subscribe(event.KindPriceUpdate, a.onPriceUpdate)
	bus.Subscribe(event.KindMarketOdds, a.onMarketOdds)
	bus.Subscribe(event.KindArbitrageSignal, a.onSignal)
	bus.Subscribe(event.KindAlert, a.onAlert)
	return a
}

// Name 返回代理名称。
func (a *Aggregator) Name() string {
	return "aggregator"
}

// Tick 清理过期的去重记录并输出一次统计摘要。
func (a *Aggregator) Tick(ctx context.Context) error {
	ttl := a.cfg.DedupTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	a.mu.Lock()
	cutoff := time.Now().Add(-ttl)
	for key, ts := range a.seen {
		if ts.Before(cutoff) {
			delete(a.seen, key)
		}
	}
	total := a.total
	alerts := a.alerts
	a.mu.Unlock()

	a.logger.Info("信号统计",
		zap.Int("total_signals", total),
		zap.Int("alerts", alerts),
	)

	timer := time.NewTimer(ttl)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Snapshot 返回当前计数快照。
func (a *Aggregator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	bySymbol := make(map[string]int, len(a.bySymbol))
	for k, v := range a.bySymbol {
		bySymbol[k] = v
	}
	return Stats{
		TotalSignals: a.total,
		BySymbol:     bySymbol,
		Alerts:       a.alerts,
		PriceUpdates: a.prices,
		OddsUpdates:  a.odds,
	}
}

func (a *Aggregator) onPriceUpdate(ctx context.Context, ev event.Event) error {
	if _, ok := ev.(event.PriceUpdate); !ok {
		return nil
	}
	a.mu.Lock()
	a.prices++
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) onMarketOdds(ctx context.Context, ev event.Event) error {
	if _, ok := ev.(event.MarketOdds); !ok {
		return nil
	}
	a.mu.Lock()
	a.odds++
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) onSignal(ctx context.Context, ev event.Event) error {
	signal, ok := ev.(event.ArbitrageSignal)
	if !ok {
		return nil
	}

	ttl := a.cfg.DedupTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	key := signal.Symbol + "_" + signal.Ticker + "_" + signal.Direction

	a.mu.Lock()
	if last, dup := a.seen[key]; dup && signal.Timestamp.Sub(last) < ttl {
		a.mu.Unlock()
		return nil
	}
	a.seen[key] = signal.Timestamp
	a.total++
	a.bySymbol[signal.Symbol]++
	a.mu.Unlock()

	a.logger.Info("接受套利信号",
		zap.String("symbol", signal.Symbol),
		zap.String("ticker", signal.Ticker),
		zap.String("direction", signal.Direction),
		zap.Float64("confidence", signal.Confidence),
		zap.String("recommendation", signal.Recommendation),
	)

	return a.appendSignal(signal)
}

func (a *Aggregator) onAlert(ctx context.Context, ev event.Event) error {
	alert, ok := ev.(event.Alert)
	if !ok {
		return nil
	}

	a.mu.Lock()
	a.alerts++
	a.mu.Unlock()

	a.logger.Info("收到告警",
		zap.String("level", alert.Level),
		zap.String("source", alert.Source),
		zap.String("message", alert.Message),
	)
	return nil
}

// appendSignal 将信号追加到当天的 JSONL 文件，文件名按信号时间滚动。
func (a *Aggregator) appendSignal(signal event.ArbitrageSignal) error {
	if err := os.MkdirAll(a.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("创建信号目录失败: %w", err)
	}

	path := filepath.Join(a.cfg.LogDir,
		fmt.Sprintf("signals_%s.jsonl", signal.Timestamp.UTC().Format("20060102")))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开信号文件失败: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("序列化信号失败: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("写入信号文件失败: %w", err)
	}
	return nil
}
