package momentum

import (
	"math"
	"testing"
	"time"

	"kalshi-arb/internal/market"
)

var baseTime = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func candle(i int, open, close, volume float64) market.Candle {
	high := math.Max(open, close) + 0.5
	low := math.Min(open, close) - 0.5
	return market.Candle{
		OpenTime: baseTime.Add(time.Duration(i) * time.Minute),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    close,
		Volume:   volume,
	}
}

func TestCalculateEmptyWindowIsNeutral(t *testing.T) {
	stat := Calculate(nil)
	if stat.UpPct != 50 || stat.SimplePct != 50 || stat.VolumePct != 50 {
		t.Fatalf("empty window stat = %+v, want all 50", stat)
	}
	if stat.Samples != 0 {
		t.Fatalf("samples = %d, want 0", stat.Samples)
	}
}

func TestCalculateBlendsVolumeAndSimple(t *testing.T) {
	// 等量等幅的K线：3根阳线1根阴线，两种口径都应是75。
	candles := []market.Candle{
		candle(0, 100, 101, 100),
		candle(1, 100, 101, 100),
		candle(2, 100, 101, 100),
		candle(3, 100, 99, 100),
	}
	stat := Calculate(candles)

	if math.Abs(stat.SimplePct-75) > 1e-9 {
		t.Fatalf("simple pct = %v, want 75", stat.SimplePct)
	}
	if math.Abs(stat.VolumePct-75) > 1e-9 {
		t.Fatalf("volume pct = %v, want 75", stat.VolumePct)
	}
	if math.Abs(stat.UpPct-75) > 1e-9 {
		t.Fatalf("blended pct = %v, want 75", stat.UpPct)
	}
	if stat.Samples != 4 {
		t.Fatalf("samples = %d, want 4", stat.Samples)
	}
}

func TestCalculateZeroVolumeFallsBackToNeutralWeight(t *testing.T) {
	// 成交量全为0时成交量口径退回中性50，只有计数口径生效。
	candles := []market.Candle{
		candle(0, 100, 101, 0),
		candle(1, 100, 101, 0),
		candle(2, 100, 101, 0),
		candle(3, 100, 99, 0),
	}
	stat := Calculate(candles)

	if stat.VolumePct != 50 {
		t.Fatalf("volume pct = %v, want 50", stat.VolumePct)
	}
	want := 0.7*50 + 0.3*75
	if math.Abs(stat.UpPct-want) > 1e-9 {
		t.Fatalf("blended pct = %v, want %v", stat.UpPct, want)
	}
}

func TestTrendConfirmedNeedsTwentyCandles(t *testing.T) {
	candles := make([]market.Candle, 0, 19)
	for i := 0; i < 19; i++ {
		candles = append(candles, candle(i, 100+float64(i), 101+float64(i), 100))
	}
	if TrendConfirmed(candles, 80) {
		t.Fatal("fewer than 20 candles must not confirm a trend")
	}
}

func TestTrendConfirmedOnSteadyRise(t *testing.T) {
	candles := make([]market.Candle, 0, 25)
	for i := 0; i < 25; i++ {
		candles = append(candles, candle(i, 100+float64(i), 101+float64(i), 100))
	}
	stat := Calculate(candles)
	if stat.UpPct < 60 {
		t.Fatalf("up pct = %v, want >= 60 for a steady rise", stat.UpPct)
	}
	if !stat.TrendConfirmed {
		t.Fatal("higher highs and higher lows with bullish momentum should confirm the trend")
	}
}

func TestTrendNotConfirmedWhenStructureDisagrees(t *testing.T) {
	// 价格结构向下，但传入的动量方向向上，两者不一致时不确认。
	candles := make([]market.Candle, 0, 25)
	for i := 0; i < 25; i++ {
		candles = append(candles, candle(i, 200-float64(i), 199-float64(i), 100))
	}
	if TrendConfirmed(candles, 80) {
		t.Fatal("downtrend structure must not confirm bullish momentum")
	}
}

func TestPullbackFromHighAndLow(t *testing.T) {
	upWindow := []market.Candle{
		candle(0, 90, 90, 100),
		candle(1, 90, 95, 100),
		candle(2, 95, 100, 100),
		candle(3, 100, 97, 100),
	}
	if got := Pullback(upWindow, "UP"); math.Abs(got-3.0) > 1e-9 {
		t.Fatalf("pullback from high = %v, want 3.0", got)
	}

	downWindow := []market.Candle{
		candle(0, 110, 110, 100),
		candle(1, 110, 105, 100),
		candle(2, 105, 100, 100),
		candle(3, 100, 103, 100),
	}
	if got := Pullback(downWindow, "DOWN"); math.Abs(got-3.0) > 1e-9 {
		t.Fatalf("bounce from low = %v, want 3.0", got)
	}

	if got := Pullback(upWindow, "SIDEWAYS"); got != 0 {
		t.Fatalf("unknown direction pullback = %v, want 0", got)
	}
}

func TestAccelerationComparesHalves(t *testing.T) {
	candles := make([]market.Candle, 0, 20)
	for i := 0; i < 10; i++ {
		candles = append(candles, candle(i, 100, 99, 100))
	}
	for i := 10; i < 20; i++ {
		candles = append(candles, candle(i, 100, 101, 100))
	}

	if got := Acceleration(candles); math.Abs(got-100) > 1e-9 {
		t.Fatalf("acceleration = %v, want 100 for a full reversal", got)
	}

	if got := Acceleration(candles[:10]); got != 0 {
		t.Fatalf("short window acceleration = %v, want 0", got)
	}
}

func TestVolatilityFlatSeriesIsZero(t *testing.T) {
	candles := make([]market.Candle, 0, 10)
	for i := 0; i < 10; i++ {
		candles = append(candles, candle(i, 100, 100, 100))
	}
	if got := Volatility(candles); got != 0 {
		t.Fatalf("flat series volatility = %v, want 0", got)
	}
}

func TestVolatilityNoisySeriesIsPositive(t *testing.T) {
	candles := make([]market.Candle, 0, 10)
	price := 100.0
	for i := 0; i < 10; i++ {
		next := price * 1.01
		if i%2 == 1 {
			next = price * 0.99
		}
		candles = append(candles, candle(i, price, next, 100))
		price = next
	}
	if got := Volatility(candles); got <= 0 {
		t.Fatalf("alternating series volatility = %v, want > 0", got)
	}
}

func TestAggregateMergesAndDropsTail(t *testing.T) {
	candles := make([]market.Candle, 0, 7)
	for i := 0; i < 7; i++ {
		c := candle(i, float64(100+i), float64(101+i), 10)
		candles = append(candles, c)
	}

	out := Aggregate(candles, 3)
	if len(out) != 2 {
		t.Fatalf("aggregated groups = %d, want 2 (tail dropped)", len(out))
	}

	first := out[0]
	if !first.OpenTime.Equal(candles[0].OpenTime) {
		t.Fatalf("group open time = %v, want %v", first.OpenTime, candles[0].OpenTime)
	}
	if first.Open != candles[0].Open || first.Close != candles[2].Close {
		t.Fatalf("group OHLC endpoints wrong: %+v", first)
	}
	if first.High != candles[2].High || first.Low != candles[0].Low {
		t.Fatalf("group extremes wrong: %+v", first)
	}
	if first.Volume != 30 {
		t.Fatalf("group volume = %v, want 30", first.Volume)
	}

	if Aggregate(candles, 1) != nil {
		t.Fatal("n <= 1 must return nil")
	}
	if Aggregate(candles[:2], 3) != nil {
		t.Fatal("window shorter than n must return nil")
	}
}

func TestSeriesHelpers(t *testing.T) {
	s := NewSeries([]market.Candle{
		candle(0, 100, 101, 10),
		candle(1, 101, 102, 20),
	})
	if s.Len() != 2 {
		t.Fatalf("series length = %d, want 2", s.Len())
	}
	if s.Open[0] != 100 || s.Close[1] != 102 || s.Volume[1] != 20 {
		t.Fatalf("series columns out of order: %+v", s)
	}
	if !s.Timestamps[1].Equal(baseTime.Add(time.Minute)) {
		t.Fatalf("series timestamp = %v, want %v", s.Timestamps[1], baseTime.Add(time.Minute))
	}

	if !math.IsNaN(Last(nil)) {
		t.Fatal("Last(nil) should be NaN")
	}
	if got := Last([]float64{1, 2, 3}); got != 3 {
		t.Fatalf("Last = %v, want 3", got)
	}

	tail := SliceTail([]float64{1, 2, 3, 4}, 2)
	if len(tail) != 2 || tail[0] != 3 || tail[1] != 4 {
		t.Fatalf("SliceTail = %v, want [3 4]", tail)
	}

	if got := SafeDivide(10, 0); got != 0 {
		t.Fatalf("SafeDivide by zero = %v, want 0", got)
	}
	if got := SafeDivide(10, 4); got != 2.5 {
		t.Fatalf("SafeDivide = %v, want 2.5", got)
	}
}
