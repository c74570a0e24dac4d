package backtest

import (
	"math"
	"testing"
	"time"

	"kalshi-arb/internal/config"
)

func simConfig() config.BacktestConfig {
	return config.BacktestConfig{
		Window:         60,
		TradeSize:      100,
		MaxOpenTrades:  3,
		MaxHolding:     30 * time.Minute,
		InitialCapital: 1000,
		Seed:           1,
	}
}

func TestSimulatorWinAccounting(t *testing.T) {
	sim := NewSimulator(simConfig())
	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !sim.TryOpen(Trade{Symbol: "BTCUSDT", Ticker: "KXBTC-A", Direction: "UP", EntryTime: entry, EntryPrice: 50, Size: 100}) {
		t.Fatal("open should succeed")
	}
	if sim.Capital() != 900 {
		t.Fatalf("capital after open = %v, want 900", sim.Capital())
	}

	sim.Resolve(sim.OpenTrades()[0], "yes", entry.Add(time.Hour))

	// 200 contracts at 50c, each pays $1 on win: payout 200, pnl +100.
	if sim.Capital() != 1100 {
		t.Fatalf("capital after win = %v, want 1100", sim.Capital())
	}
	closed := sim.ClosedTrades()
	if len(closed) != 1 || closed[0].Outcome != "win" || closed[0].PnL != 100 {
		t.Fatalf("unexpected closed trade: %+v", closed)
	}
}

func TestSimulatorLossAccounting(t *testing.T) {
	sim := NewSimulator(simConfig())
	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sim.TryOpen(Trade{Symbol: "BTCUSDT", Ticker: "KXBTC-A", Direction: "UP", EntryTime: entry, EntryPrice: 50, Size: 100})
	sim.Resolve(sim.OpenTrades()[0], "no", entry.Add(time.Hour))

	if sim.Capital() != 900 {
		t.Fatalf("capital after loss = %v, want 900", sim.Capital())
	}
	closed := sim.ClosedTrades()
	if closed[0].Outcome != "loss" || closed[0].PnL != -100 {
		t.Fatalf("unexpected closed trade: %+v", closed[0])
	}
}

func TestSimulatorForceCloseIsBreakeven(t *testing.T) {
	sim := NewSimulator(simConfig())
	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sim.TryOpen(Trade{Symbol: "BTCUSDT", Ticker: "KXBTC-A", Direction: "UP", EntryTime: entry, EntryPrice: 50, Size: 100})
	sim.ForceCloseAll(entry.Add(time.Hour))

	if sim.Capital() != 1000 {
		t.Fatalf("capital after force close = %v, want 1000", sim.Capital())
	}
	closed := sim.ClosedTrades()
	if closed[0].Outcome != "flat" || closed[0].PnL != 0 {
		t.Fatalf("unexpected closed trade: %+v", closed[0])
	}
}

func TestSimulatorMaxOpenTradesEnforced(t *testing.T) {
	sim := NewSimulator(simConfig())
	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !sim.TryOpen(Trade{Symbol: "BTCUSDT", Ticker: "KXBTC-A", Direction: "UP", EntryTime: entry, EntryPrice: 50, Size: 100}) {
			t.Fatalf("open %d should succeed", i)
		}
	}
	if sim.TryOpen(Trade{Symbol: "BTCUSDT", Ticker: "KXBTC-A", Direction: "UP", EntryTime: entry, EntryPrice: 50, Size: 100}) {
		t.Fatal("fourth open must be rejected by max_open_trades")
	}
}

func TestSimulatorIncrementalDrawdownMatchesPostHoc(t *testing.T) {
	sim := NewSimulator(simConfig())
	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// win, loss, loss, win: the drawdown tracked trade by trade must
	// equal a full recomputation over the final equity curve.
	outcomes := []string{"yes", "no", "no", "yes"}
	for i, result := range outcomes {
		at := entry.Add(time.Duration(i) * time.Hour)
		if !sim.TryOpen(Trade{Symbol: "BTCUSDT", Ticker: "KXBTC-A", Direction: "UP", EntryTime: at, EntryPrice: 50, Size: 100}) {
			t.Fatalf("open %d failed", i)
		}
		sim.Resolve(sim.OpenTrades()[0], result, at.Add(time.Hour))
	}

	incremental := sim.Metrics().MaxDrawdown
	postHoc := computeDrawdown(sim.EquityCurve())
	if math.Abs(incremental-postHoc) > 1e-12 {
		t.Fatalf("incremental drawdown %v != post-hoc %v", incremental, postHoc)
	}
	if incremental <= 0 {
		t.Fatal("two consecutive losses must produce a positive drawdown")
	}
}

func TestSimulatorRealisticChargesFees(t *testing.T) {
	cfg := simConfig()
	cfg.Realistic = config.RealisticConfig{
		Enabled:     true,
		FeeCents:    1,
		MinFillRate: 1.0,
	}
	sim := NewSimulator(cfg)
	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !sim.TryOpen(Trade{Symbol: "BTCUSDT", Ticker: "KXBTC-A", Direction: "UP", EntryTime: entry, EntryPrice: 50, Size: 100}) {
		t.Fatal("open with full fill rate should succeed")
	}
	trade := sim.OpenTrades()[0]
	if trade.Fees <= 0 {
		t.Fatalf("fees = %v, want positive", trade.Fees)
	}

	sim.Resolve(trade, "yes", entry.Add(time.Hour))
	closed := sim.ClosedTrades()[0]
	if closed.PnL >= 100 {
		t.Fatalf("pnl = %v, fees must reduce the frictionless 100", closed.PnL)
	}
}
