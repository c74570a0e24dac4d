package momentum

import (
	"math"
	"time"

	talib "github.com/markcheno/go-talib"

	"kalshi-arb/internal/market"
)

// Stat 是一次动量计算的汇总。
type Stat struct {
	// UpPct 为混合动量（0-100），70%成交量加权 + 30%简单计数。
	UpPct          float64
	SimplePct      float64
	VolumePct      float64
	Samples        int
	TrendConfirmed bool
}

// weightFloor 防止近零成交量把权重压成0。
const weightFloor = 1e-4

// Calculate 从一段已完成K线计算混合动量。
//
// 纯计数在低波动震荡窗口里会失真，纯成交量加权在成交量近零时失真，
// 因此按 70/30 混合两者。空窗口返回中性值50。
func Calculate(candles []market.Candle) Stat {
	s := NewSeries(candles)
	if s.Len() == 0 {
		return Stat{UpPct: 50, SimplePct: 50, VolumePct: 50}
	}

	var simpleUp int
	var weightedUp, weightedDown float64

	for i := 0; i < s.Len(); i++ {
		isUp := s.Close[i] >= s.Open[i]
		if isUp {
			simpleUp++
		}

		if s.Open[i] > 0 && s.Volume[i] > 0 {
			magnitude := math.Abs(s.Close[i]-s.Open[i]) / s.Open[i]
			weight := s.Volume[i] * (magnitude + weightFloor)
			if isUp {
				weightedUp += weight
			} else {
				weightedDown += weight
			}
		}
	}

	totalWeight := weightedUp + weightedDown

	simplePct := float64(simpleUp) / float64(s.Len()) * 100
	volumePct := 50.0
	if totalWeight > 0 {
		volumePct = SafeDivide(weightedUp, totalWeight) * 100
	}

	stat := Stat{
		UpPct:     0.7*volumePct + 0.3*simplePct,
		SimplePct: simplePct,
		VolumePct: volumePct,
		Samples:   s.Len(),
	}
	stat.TrendConfirmed = TrendConfirmed(candles, stat.UpPct)
	return stat
}

// TrendConfirmed 用高低点结构独立验证动量方向：
// 近10根相对前10根出现更高的高点与更高的低点（或反之），
// 且与动量方向一致时返回 true。样本不足20根时不确认。
func TrendConfirmed(candles []market.Candle, upPct float64) bool {
	s := NewSeries(candles)
	if s.Len() < 20 {
		return false
	}

	recent := SliceTail(s.Close, 10)
	older := SliceTail(s.Close[:s.Len()-10], 10)

	recentHigh, recentLow := maxMin(recent)
	olderHigh, olderLow := maxMin(older)

	uptrend := recentHigh > olderHigh && recentLow > olderLow
	downtrend := recentHigh < olderHigh && recentLow < olderLow

	return (upPct >= 60 && uptrend) || (upPct <= 40 && downtrend)
}

// Volatility 返回收盘价环比收益率的标准差。
func Volatility(candles []market.Candle) float64 {
	s := NewSeries(candles)
	if s.Len() < 3 {
		return 0
	}

	returns := make([]float64, 0, s.Len()-1)
	for i := 1; i < s.Len(); i++ {
		prev := s.Close[i-1]
		if prev <= 0 {
			continue
		}
		returns = append(returns, s.Close[i]/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}

	std := talib.StdDev(returns, len(returns), 1)
	return Last(std)
}

// Pullback 返回价格自窗口内极值的回撤百分比。
// direction 为 "UP" 时衡量自最高点的回落，"DOWN" 时衡量自最低点的反弹。
func Pullback(candles []market.Candle, direction string) float64 {
	s := NewSeries(candles)
	if s.Len() == 0 {
		return 0
	}

	last := Last(s.Close)
	high, low := maxMin(s.Close)

	switch direction {
	case "UP":
		return SafeDivide(high-last, high) * 100
	case "DOWN":
		return SafeDivide(last-low, low) * 100
	default:
		return 0
	}
}

// Acceleration 比较近段与前段的动量差值，负值表示动量在减速。
func Acceleration(candles []market.Candle) float64 {
	if len(candles) < 20 {
		return 0
	}
	half := len(candles) / 2
	older := Calculate(candles[:half])
	recent := Calculate(candles[half:])
	return recent.UpPct - older.UpPct
}

// Aggregate 将1分钟K线合并为 n 分钟K线，用于多时间框架确认。
// 不足一组的尾部K线被丢弃，以保证每根聚合K线都是完整的。
func Aggregate(candles []market.Candle, n int) []market.Candle {
	if n <= 1 || len(candles) < n {
		return nil
	}

	groups := len(candles) / n
	out := make([]market.Candle, 0, groups)
	for g := 0; g < groups; g++ {
		chunk := candles[g*n : (g+1)*n]
		agg := market.Candle{
			OpenTime: chunk[0].OpenTime,
			Open:     chunk[0].Open,
			High:     chunk[0].High,
			Low:      chunk[0].Low,
			Close:    chunk[len(chunk)-1].Close,
		}
		for _, c := range chunk {
			agg.High = math.Max(agg.High, c.High)
			agg.Low = math.Min(agg.Low, c.Low)
			agg.Volume += c.Volume
		}
		out = append(out, agg)
	}
	return out
}

// WindowEnd 返回窗口末根K线的时间，空窗口返回零值。
func WindowEnd(candles []market.Candle) time.Time {
	if len(candles) == 0 {
		return time.Time{}
	}
	return candles[len(candles)-1].OpenTime
}

func maxMin(values []float64) (float64, float64) {
	maxV := values[0]
	minV := values[0]
	for _, v := range values[1:] {
		if v > maxV {
			maxV = v
		}
		if v < minV {
			minV = v
		}
	}
	return maxV, minV
}
