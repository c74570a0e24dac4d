package detector

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/event"
	"kalshi-arb/internal/market"
)

// Observation 是一次检测的完整输入：某交易对最近的动量观测与
// 匹配市场最近的赔率观测。Window 为已完成K线窗口，供依赖价格
// 序列的过滤器使用；实盘事件流中可为空，相应过滤器自动跳过。
type Observation struct {
	Price  event.PriceUpdate
	Odds   event.MarketOdds
	Window []market.Candle
	// TargetProb 为可选的价格目标概率分析结果（上涨概率，0-1），
	// 与方向一致时置信度上限从95放宽到98。
	TargetProb *float64
	// HasOpenPosition 表示该标的已有持仓，供相关性过滤器使用。
	HasOpenPosition bool
}

// Detector 实现动量/赔率错价的评分算法。
// 除冷却状态外对墙钟时间完全无依赖，冷却只使用事件时间，
// 回测与实盘因此共享同一套判定。
type Detector struct {
	cfg      config.DetectorConfig
	strategy config.StrategyConfig
	logger   *zap.Logger

	mu         sync.Mutex
	lastSignal map[string]time.Time
}

// New 创建检测器，配置在构造后不可变。
func New(cfg config.DetectorConfig, strategy config.StrategyConfig, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		cfg:        cfg,
		strategy:   strategy,
		logger:     logger,
		lastSignal: make(map[string]time.Time),
	}
}

// NeutralBand 返回给定价差对应的中性赔率接受区间（两端含）。
//
// 刻意的反直觉设计：价差越大，接受区间越宽。被检验的特征是
// "现货已确认方向而赔率仍接近五五开"，错价越严重，离50越远的
// 赔率也仍算未修正。
func NeutralBand(spread float64) (float64, float64) {
	switch {
	case spread >= 25:
		return 40, 60
	case spread >= 15:
		return 45, 55
	default:
		return 47, 53
	}
}

// Is15MinMarket 根据 ticker 命名模式识别15分钟市场，
// Kalshi 的15分钟系列在 ticker 中带有 15M 片段，小时市场没有。
func Is15MinMarket(ticker string) bool {
	return strings.Contains(strings.ToLower(ticker), "15m")
}

// MomentumWindowFor 返回该市场适用的动量窗口分钟数，0表示沿用默认窗口。
func (d *Detector) MomentumWindowFor(ticker string) int {
	if d.strategy.Markets15Min && Is15MinMarket(ticker) {
		return d.strategy.Momentum15MinWindow
	}
	return 0
}

// thresholdFor 返回该市场适用的动量阈值：15分钟市场存续期短，
// 阈值略低于小时市场。
func (d *Detector) thresholdFor(ticker string) float64 {
	if d.strategy.Markets15Min && Is15MinMarket(ticker) && d.strategy.Momentum15MinThreshold > 0 {
		return d.strategy.Momentum15MinThreshold
	}
	return d.cfg.ConfidenceThreshold
}

// Evaluate 对一次观测运行完整评分管线，接受时返回信号。
func (d *Detector) Evaluate(obs Observation) (event.ArbitrageSignal, bool) {
	eventTime := obs.Price.Timestamp
	signalKey := obs.Price.Symbol + "_" + obs.Odds.Ticker

	// 冷却窗口按事件时间衡量，这是回测正确性的前提。
	d.mu.Lock()
	last, seen := d.lastSignal[signalKey]
	d.mu.Unlock()
	if seen && d.cfg.Cooldown > 0 && eventTime.Sub(last) < d.cfg.Cooldown {
		return event.ArbitrageSignal{}, false
	}

	momentum := obs.Price.MomentumUpPct
	yesPrice := obs.Odds.YesPrice

	threshold := d.thresholdFor(obs.Odds.Ticker)
	strongUp := momentum >= threshold
	strongDown := momentum <= 100-threshold
	if !strongUp && !strongDown {
		return event.ArbitrageSignal{}, false
	}

	direction := "DOWN"
	if strongUp {
		direction = "UP"
	}

	expected := momentum
	if !strongUp {
		expected = 100 - momentum
	}
	spread := math.Abs(expected - yesPrice)

	lo, hi := 45.0, 55.0
	if d.strategy.DynamicNeutralRange {
		lo, hi = NeutralBand(spread)
	}
	if yesPrice < lo || yesPrice > hi {
		return event.ArbitrageSignal{}, false
	}

	minSpread := d.cfg.MinOddsSpread
	if d.strategy.TightSpreadFilter {
		minSpread = d.strategy.MinSpreadCents
	}
	if spread < minSpread {
		return event.ArbitrageSignal{}, false
	}

	if reason, ok := d.applyFilters(obs, direction); !ok {
		d.logger.Debug("信号被策略过滤器拒绝",
			zap.String("symbol", obs.Price.Symbol),
			zap.String("filter", reason),
		)
		return event.ArbitrageSignal{}, false
	}

	confidence := d.score(obs, direction, spread)
	if confidence < d.cfg.MinConfidence {
		return event.ArbitrageSignal{}, false
	}

	signal := event.ArbitrageSignal{
		Timestamp:      eventTime,
		Symbol:         obs.Price.Symbol,
		Direction:      direction,
		Confidence:     round1(confidence),
		SpotMomentum:   momentum,
		YesPrice:       yesPrice,
		NoPrice:        obs.Odds.NoPrice,
		Ticker:         obs.Odds.Ticker,
		Spread:         round1(spread),
		Recommendation: recommendation(direction, obs.Odds, yesPrice, momentum),
	}

	d.mu.Lock()
	d.lastSignal[signalKey] = eventTime
	d.mu.Unlock()

	return signal, true
}

// score 计算最终置信度：基础动量 + 价差加成 + 中性度加成 + 趋势加成，
// 上限95；价格目标概率分析与方向一致时放宽到98。
func (d *Detector) score(obs Observation, direction string, spread float64) float64 {
	base := obs.Price.MomentumUpPct
	if direction == "DOWN" {
		base = 100 - obs.Price.MomentumUpPct
	}

	if !d.strategy.ImprovedConfidence {
		return math.Min(base, 95)
	}

	spreadBonus := math.Min(spread/30*10, 10)
	centerDistance := math.Abs(obs.Odds.YesPrice - 50)
	neutralityBonus := math.Max(0, (5-centerDistance)/5*5)

	trendBonus := 0.0
	if obs.Price.TrendConfirmed {
		trendBonus = 5
	}

	cap := 95.0
	if obs.TargetProb != nil {
		agrees := (direction == "UP" && *obs.TargetProb >= 0.5) ||
			(direction == "DOWN" && *obs.TargetProb < 0.5)
		if agrees {
			cap = 98
		}
	}

	return math.Min(base+spreadBonus+neutralityBonus+trendBonus, cap)
}

func recommendation(direction string, odds event.MarketOdds, yesPrice, momentum float64) string {
	action := "BUY NO"
	edge := (100 - momentum) - (100 - yesPrice)
	if direction == "UP" {
		action = "BUY YES"
		edge = momentum - yesPrice
	}
	return fmt.Sprintf("%s on %q (current: %.0fc, expected: ~%.0fc based on spot). Expected edge: %.1fc",
		action, odds.Title, yesPrice, momentum, edge)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
