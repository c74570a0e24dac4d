package detector

import (
	"kalshi-arb/internal/momentum"
)

// applyFilters 依次执行启用的策略过滤器，返回第一个拒绝原因。
// 依赖K线窗口的过滤器在 Window 为空时跳过，实盘事件流不携带窗口。
func (d *Detector) applyFilters(obs Observation, direction string) (string, bool) {
	s := d.strategy

	if s.TrendConfirmation && !obs.Price.TrendConfirmed {
		return "trend_confirmation", false
	}

	if s.TimeFilter {
		hour := obs.Price.Timestamp.UTC().Hour()
		if !withinTradingHours(hour, s.TradingHoursStart, s.TradingHoursEnd) {
			return "time_filter", false
		}
	}

	if s.CorrelationCheck && obs.HasOpenPosition {
		return "correlation_check", false
	}

	if len(obs.Window) == 0 {
		return "", true
	}

	if s.MomentumAcceleration {
		accel := momentum.Acceleration(obs.Window)
		if direction == "UP" && accel < -s.AccelerationTolerance {
			return "momentum_acceleration", false
		}
		if direction == "DOWN" && accel > s.AccelerationTolerance {
			return "momentum_acceleration", false
		}
	}

	if s.PullbackEntry {
		if momentum.Pullback(obs.Window, direction) < s.PullbackThreshold {
			return "pullback_entry", false
		}
	}

	if s.VolatilityFilter {
		if momentum.Volatility(obs.Window) > s.VolatilityThreshold {
			return "volatility_filter", false
		}
	}

	if s.MultiframeConfirm {
		agg := momentum.Aggregate(obs.Window, s.MultiframeMinutes)
		if len(agg) == 0 {
			return "multiframe_confirmation", false
		}
		stat := momentum.Calculate(agg)
		if direction == "UP" && stat.UpPct < s.MultiframeThreshold {
			return "multiframe_confirmation", false
		}
		if direction == "DOWN" && stat.UpPct > 100-s.MultiframeThreshold {
			return "multiframe_confirmation", false
		}
	}

	return "", true
}

// withinTradingHours 判断 UTC 小时是否落在交易时段，支持跨午夜区间。
func withinTradingHours(hour, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
