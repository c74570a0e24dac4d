package aggregator

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/event"
)

func testSignal(ts time.Time) event.ArbitrageSignal {
	return event.ArbitrageSignal{
		Timestamp:  ts,
		Symbol:     "BTCUSDT",
		Direction:  "UP",
		Confidence: 92,
		Ticker:     "KXBTC-TEST",
		YesPrice:   50,
		NoPrice:    50,
	}
}

func TestSignalWrittenToDailyFile(t *testing.T) {
	dir := t.TempDir()
	bus := event.NewBus(nil)
	a := New(config.AggregatorConfig{LogDir: dir, DedupTTL: time.Minute}, bus, nil)

	ts := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	if err := a.onSignal(context.Background(), testSignal(ts)); err != nil {
		t.Fatalf("onSignal returned error: %v", err)
	}

	path := filepath.Join(dir, "signals_20250601.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("daily signal file missing: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("signal file is empty")
	}
	var got event.ArbitrageSignal
	if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if got.Ticker != "KXBTC-TEST" || got.Confidence != 92 {
		t.Fatalf("unexpected signal line: %+v", got)
	}
}

func TestDuplicateSignalSuppressedWithinTTL(t *testing.T) {
	dir := t.TempDir()
	bus := event.NewBus(nil)
	a := New(config.AggregatorConfig{LogDir: dir, DedupTTL: time.Minute}, bus, nil)
	ctx := context.Background()

	ts := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	_ = a.onSignal(ctx, testSignal(ts))
	_ = a.onSignal(ctx, testSignal(ts.Add(10*time.Second)))
	_ = a.onSignal(ctx, testSignal(ts.Add(2*time.Minute)))

	stats := a.Snapshot()
	if stats.TotalSignals != 2 {
		t.Fatalf("total signals = %d, want 2 (duplicate inside TTL suppressed)", stats.TotalSignals)
	}
	if stats.BySymbol["BTCUSDT"] != 2 {
		t.Fatalf("per-symbol count = %d, want 2", stats.BySymbol["BTCUSDT"])
	}
}

func TestPriceAndOddsUpdatesCounted(t *testing.T) {
	bus := event.NewBus(nil)
	a := New(config.AggregatorConfig{LogDir: t.TempDir(), DedupTTL: time.Minute}, bus, nil)
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	_ = a.onPriceUpdate(ctx, event.PriceUpdate{Timestamp: ts, Symbol: "BTCUSDT", Price: 65000})
	_ = a.onPriceUpdate(ctx, event.PriceUpdate{Timestamp: ts, Symbol: "ETHUSDT", Price: 3500})
	_ = a.onMarketOdds(ctx, event.MarketOdds{Timestamp: ts, Ticker: "KXBTC-TEST", YesPrice: 50, NoPrice: 50})

	stats := a.Snapshot()
	if stats.PriceUpdates != 2 {
		t.Fatalf("price updates = %d, want 2", stats.PriceUpdates)
	}
	if stats.OddsUpdates != 1 {
		t.Fatalf("odds updates = %d, want 1", stats.OddsUpdates)
	}
}

func TestAlertCounted(t *testing.T) {
	bus := event.NewBus(nil)
	a := New(config.AggregatorConfig{LogDir: t.TempDir(), DedupTTL: time.Minute}, bus, nil)

	alert := event.Alert{Timestamp: time.Now().UTC(), Level: "WARNING", Message: "feed stalled", Source: "binance-feed"}
	if err := a.onAlert(context.Background(), alert); err != nil {
		t.Fatalf("onAlert returned error: %v", err)
	}
	if a.Snapshot().Alerts != 1 {
		t.Fatalf("alerts = %d, want 1", a.Snapshot().Alerts)
	}
}
