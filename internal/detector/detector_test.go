package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/event"
	"kalshi-arb/internal/market"
)

func testDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{
		ConfidenceThreshold: 70,
		MinOddsSpread:       10,
		MinConfidence:       65,
		Cooldown:            60 * time.Second,
	}
}

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		DynamicNeutralRange: true,
		ImprovedConfidence:  true,
	}
}

func obsAt(ts time.Time, momentum, yesPrice float64) Observation {
	return Observation{
		Price: event.PriceUpdate{
			Timestamp:     ts,
			Symbol:        "BTCUSDT",
			Price:         65000,
			MomentumUpPct: momentum,
		},
		Odds: event.MarketOdds{
			Timestamp:  ts,
			Ticker:     "KXBTC-TEST",
			Title:      "BTC above strike",
			YesPrice:   yesPrice,
			NoPrice:    100 - yesPrice,
			Underlying: "BTCUSDT",
		},
	}
}

func TestEvaluateStrongUpEmitsSignal(t *testing.T) {
	d := New(testDetectorConfig(), testStrategyConfig(), nil)
	ts := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	signal, ok := d.Evaluate(obsAt(ts, 80, 50))
	if !ok {
		t.Fatal("expected a signal for momentum 80 at yes price 50")
	}
	if signal.Direction != "UP" {
		t.Fatalf("direction = %s, want UP", signal.Direction)
	}
	if signal.Spread != 30 {
		t.Fatalf("spread = %v, want 30", signal.Spread)
	}
	// base 80 + spread bonus 10 + neutrality bonus 5 = 95
	if signal.Confidence != 95 {
		t.Fatalf("confidence = %v, want 95", signal.Confidence)
	}
	if signal.Ticker != "KXBTC-TEST" || signal.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected identifiers in signal: %+v", signal)
	}
}

func TestEvaluateStrongDownEmitsSignal(t *testing.T) {
	d := New(testDetectorConfig(), testStrategyConfig(), nil)
	ts := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	signal, ok := d.Evaluate(obsAt(ts, 20, 50))
	if !ok {
		t.Fatal("expected a signal for momentum 20 at yes price 50")
	}
	if signal.Direction != "DOWN" {
		t.Fatalf("direction = %s, want DOWN", signal.Direction)
	}
	if signal.Confidence != 95 {
		t.Fatalf("confidence = %v, want 95", signal.Confidence)
	}
}

func TestEvaluateWeakMomentumRejected(t *testing.T) {
	d := New(testDetectorConfig(), testStrategyConfig(), nil)
	ts := time.Now().UTC()

	if _, ok := d.Evaluate(obsAt(ts, 55, 50)); ok {
		t.Fatal("momentum 55 is neither strong up nor strong down, no signal expected")
	}
}

func TestEvaluateOddsOutsideNeutralBand(t *testing.T) {
	d := New(testDetectorConfig(), testStrategyConfig(), nil)
	ts := time.Now().UTC()

	// momentum 72, yes 60: spread 12 keeps the tight [47,53] band, 60 is outside.
	if _, ok := d.Evaluate(obsAt(ts, 72, 60)); ok {
		t.Fatal("yes price 60 should be rejected by the tight neutral band")
	}
	// the same odds pass once the spread widens the band to [40,60].
	if _, ok := d.Evaluate(obsAt(ts, 87, 60)); !ok {
		t.Fatal("yes price 60 should be accepted with spread >= 25")
	}
}

func TestEvaluateMinSpreadRejected(t *testing.T) {
	cfg := testDetectorConfig()
	cfg.MinOddsSpread = 25
	d := New(cfg, testStrategyConfig(), nil)
	ts := time.Now().UTC()

	// momentum 70, yes 50: spread 20 < 25.
	if _, ok := d.Evaluate(obsAt(ts, 70, 50)); ok {
		t.Fatal("spread below min_odds_spread must be rejected")
	}
}

func TestEvaluateCooldownSuppressesRepeat(t *testing.T) {
	d := New(testDetectorConfig(), testStrategyConfig(), nil)
	ts := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	if _, ok := d.Evaluate(obsAt(ts, 80, 50)); !ok {
		t.Fatal("first observation should emit")
	}
	if _, ok := d.Evaluate(obsAt(ts.Add(30*time.Second), 80, 50)); ok {
		t.Fatal("observation inside the cooldown window must be suppressed")
	}
	if _, ok := d.Evaluate(obsAt(ts.Add(61*time.Second), 80, 50)); !ok {
		t.Fatal("observation after the cooldown window should emit again")
	}
}

func TestEvaluateCooldownIsPerMarket(t *testing.T) {
	d := New(testDetectorConfig(), testStrategyConfig(), nil)
	ts := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	if _, ok := d.Evaluate(obsAt(ts, 80, 50)); !ok {
		t.Fatal("first market should emit")
	}

	other := obsAt(ts.Add(time.Second), 80, 50)
	other.Odds.Ticker = "KXBTC-OTHER"
	if _, ok := d.Evaluate(other); !ok {
		t.Fatal("a different market must not share the cooldown")
	}
}

func TestEvaluateConfidenceCapWithProbabilityAgreement(t *testing.T) {
	d := New(testDetectorConfig(), testStrategyConfig(), nil)
	ts := time.Now().UTC()

	obs := obsAt(ts, 88, 50)
	obs.Price.TrendConfirmed = true
	prob := 0.7
	obs.TargetProb = &prob

	signal, ok := d.Evaluate(obs)
	if !ok {
		t.Fatal("expected a signal")
	}
	// base 88 + spread bonus 10 + neutrality 5 + trend 5 = 108, capped at 98.
	if signal.Confidence != 98 {
		t.Fatalf("confidence = %v, want cap 98 with probability agreement", signal.Confidence)
	}

	disagree := 0.3
	obs2 := obsAt(ts.Add(2*time.Minute), 88, 50)
	obs2.Price.TrendConfirmed = true
	obs2.TargetProb = &disagree
	signal, ok = d.Evaluate(obs2)
	if !ok {
		t.Fatal("expected a signal")
	}
	if signal.Confidence != 95 {
		t.Fatalf("confidence = %v, want cap 95 without agreement", signal.Confidence)
	}
}

func TestEvaluateLegacyConfidenceFormula(t *testing.T) {
	strategy := testStrategyConfig()
	strategy.ImprovedConfidence = false
	d := New(testDetectorConfig(), strategy, nil)

	signal, ok := d.Evaluate(obsAt(time.Now().UTC(), 80, 50))
	if !ok {
		t.Fatal("expected a signal")
	}
	if signal.Confidence != 80 {
		t.Fatalf("confidence = %v, want raw momentum 80", signal.Confidence)
	}
}

func TestTimeFilterRejectsOutsideTradingHours(t *testing.T) {
	strategy := testStrategyConfig()
	strategy.TimeFilter = true
	strategy.TradingHoursStart = 13
	strategy.TradingHoursEnd = 21
	d := New(testDetectorConfig(), strategy, nil)

	night := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	if _, ok := d.Evaluate(obsAt(night, 80, 50)); ok {
		t.Fatal("observation outside trading hours must be rejected")
	}

	day := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	if _, ok := d.Evaluate(obsAt(day, 80, 50)); !ok {
		t.Fatal("observation inside trading hours should emit")
	}
}

func TestTrendConfirmationFilter(t *testing.T) {
	strategy := testStrategyConfig()
	strategy.TrendConfirmation = true
	d := New(testDetectorConfig(), strategy, nil)
	ts := time.Now().UTC()

	if _, ok := d.Evaluate(obsAt(ts, 80, 50)); ok {
		t.Fatal("unconfirmed trend must be rejected when the filter is on")
	}

	obs := obsAt(ts.Add(time.Minute), 80, 50)
	obs.Price.TrendConfirmed = true
	if _, ok := d.Evaluate(obs); !ok {
		t.Fatal("confirmed trend should pass the filter")
	}
}

func TestCorrelationFilterRejectsOpenPosition(t *testing.T) {
	strategy := testStrategyConfig()
	strategy.CorrelationCheck = true
	d := New(testDetectorConfig(), strategy, nil)

	obs := obsAt(time.Now().UTC(), 80, 50)
	obs.HasOpenPosition = true
	if _, ok := d.Evaluate(obs); ok {
		t.Fatal("open position on the same underlying must suppress new signals")
	}
}

func TestMultiframeFilterNeedsAggregateAgreement(t *testing.T) {
	strategy := testStrategyConfig()
	strategy.MultiframeConfirm = true
	strategy.MultiframeThreshold = 60
	strategy.MultiframeMinutes = 5
	d := New(testDetectorConfig(), strategy, nil)

	// 30 rising candles: both the 1m and the aggregated 5m momentum agree.
	up := make([]market.Candle, 30)
	base := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range up {
		up[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     price,
			High:     price + 1.2,
			Low:      price - 0.1,
			Close:    price + 1,
			Volume:   10,
		}
		price += 1
	}

	obs := obsAt(base.Add(30*time.Minute), 80, 50)
	obs.Window = up
	if _, ok := d.Evaluate(obs); !ok {
		t.Fatal("aggregated momentum agrees with direction, signal expected")
	}

	// falling candles disagree with an UP classification.
	down := make([]market.Candle, 30)
	price = 100.0
	for i := range down {
		down[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     price,
			High:     price + 0.1,
			Low:      price - 1.2,
			Close:    price - 1,
			Volume:   10,
		}
		price -= 1
	}
	obs2 := obsAt(base.Add(40*time.Minute), 80, 50)
	obs2.Window = down
	if _, ok := d.Evaluate(obs2); ok {
		t.Fatal("aggregated momentum disagrees with direction, no signal expected")
	}
}

func TestFifteenMinuteMarketLowersThreshold(t *testing.T) {
	strat := testStrategyConfig()
	strat.Markets15Min = true
	strat.Momentum15MinWindow = 15
	strat.Momentum15MinThreshold = 65
	d := New(testDetectorConfig(), strat, nil)
	ts := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	if _, ok := d.Evaluate(obsAt(ts, 66, 50)); ok {
		t.Fatal("momentum 66 must stay below the hourly threshold of 70")
	}

	obs := obsAt(ts, 66, 50)
	obs.Odds.Ticker = "KXBTC-15M-TEST"
	signal, ok := d.Evaluate(obs)
	if !ok {
		t.Fatal("momentum 66 should clear the 15-minute market threshold of 65")
	}
	if signal.Direction != "UP" {
		t.Fatalf("direction = %s, want UP", signal.Direction)
	}

	if got := d.MomentumWindowFor("KXBTC-15M-TEST"); got != 15 {
		t.Fatalf("window for 15-minute market = %d, want 15", got)
	}
	if got := d.MomentumWindowFor("KXBTC-TEST"); got != 0 {
		t.Fatalf("window for hourly market = %d, want 0 (default)", got)
	}
}

func TestNeutralBand(t *testing.T) {
	cases := []struct {
		spread float64
		lo, hi float64
	}{
		{5, 47, 53},
		{14.9, 47, 53},
		{15, 45, 55},
		{24.9, 45, 55},
		{25, 40, 60},
		{40, 40, 60},
	}
	for _, c := range cases {
		lo, hi := NeutralBand(c.spread)
		if lo != c.lo || hi != c.hi {
			t.Fatalf("NeutralBand(%v) = [%v,%v], want [%v,%v]", c.spread, lo, hi, c.lo, c.hi)
		}
	}
}

func TestAgentPairsPriceAndOdds(t *testing.T) {
	bus := event.NewBus(nil)
	d := New(testDetectorConfig(), testStrategyConfig(), nil)
	NewAgent(d, bus, nil)

	var mu sync.Mutex
	var got []event.ArbitrageSignal
	var alerts []event.Alert
	bus.Subscribe(event.KindArbitrageSignal, func(ctx context.Context, ev event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.(event.ArbitrageSignal))
		return nil
	})
	bus.Subscribe(event.KindAlert, func(ctx context.Context, ev event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, ev.(event.Alert))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	ts := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	bus.Publish(event.PriceUpdate{
		Timestamp:     ts,
		Symbol:        "BTCUSDT",
		Price:         65000,
		MomentumUpPct: 80,
	})
	bus.Publish(event.MarketOdds{
		Timestamp:  ts,
		Ticker:     "KXBTC-TEST",
		Title:      "BTC above strike",
		YesPrice:   50,
		NoPrice:    50,
		Underlying: "BTCUSDT",
	})

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n, na := len(got), len(alerts)
		mu.Unlock()
		if n > 0 && na > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the arbitrage signal")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Direction != "UP" || got[0].Ticker != "KXBTC-TEST" {
		t.Fatalf("unexpected signal: %+v", got[0])
	}
	if alerts[0].Level != "OPPORTUNITY" || alerts[0].Source != "detector" {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
}
