package backtest

import (
	"math/rand"
	"time"

	"kalshi-arb/internal/config"
)

// Simulator 负责回测中的资金与持仓簿记。
//
// 真实性扩展（手续费、滑点、成交率、延迟后的不利变动）由同一个
// 种子化的随机源驱动，相同种子与相同输入产生逐字节一致的结果。
type Simulator struct {
	cfg config.BacktestConfig
	rng *rand.Rand

	capital float64
	open    []*Trade
	closed  []Trade

	equity  []float64
	returns []float64
	peak    float64
	maxDD   float64

	skippedFills int
}

// NewSimulator 创建模拟器，种子固定以保证可复现。
func NewSimulator(cfg config.BacktestConfig) *Simulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	s := &Simulator{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		capital: cfg.InitialCapital,
		peak:    cfg.InitialCapital,
	}
	s.equity = append(s.equity, cfg.InitialCapital)
	return s
}

// Capital 返回当前可用资金。
func (s *Simulator) Capital() float64 {
	return s.capital
}

// OpenCount 返回当前持仓数。
func (s *Simulator) OpenCount() int {
	return len(s.open)
}

// HasOpenPosition 返回该标的是否已有持仓。
func (s *Simulator) HasOpenPosition(symbol string) bool {
	for _, t := range s.open {
		if t.Symbol == symbol {
			return true
		}
	}
	return false
}

// HasOpenMarket 返回该市场是否已有持仓。
func (s *Simulator) HasOpenMarket(ticker string) bool {
	for _, t := range s.open {
		if t.Ticker == ticker {
			return true
		}
	}
	return false
}

// OpenTrades 返回当前持仓的只读视图。
func (s *Simulator) OpenTrades() []*Trade {
	return s.open
}

// TryOpen 尝试按给定参数开仓。真实性模拟开启时先掷成交骰子，
// 未成交返回 false；成交后对入场价叠加滑点与不利变动。
func (s *Simulator) TryOpen(trade Trade) bool {
	if len(s.open) >= s.cfg.MaxOpenTrades {
		return false
	}

	if s.cfg.Realistic.Enabled {
		if s.rng.Float64() > s.cfg.Realistic.MinFillRate {
			s.skippedFills++
			return false
		}
		trade.EntryPrice += s.slippageCents(trade.Size)
		if s.cfg.Realistic.AdverseProb > 0 && s.rng.Float64() < s.cfg.Realistic.AdverseProb {
			// 延迟窗口内价格向不利方向移动1到2美分。
			trade.EntryPrice += 1 + s.rng.Float64()
		}
		if trade.EntryPrice >= 99 {
			s.skippedFills++
			return false
		}
	}

	trade.Contracts = trade.Size / (trade.EntryPrice / 100)
	if s.cfg.Realistic.Enabled {
		trade.Fees = trade.Contracts * s.cfg.Realistic.FeeCents / 100
	}

	cost := trade.Size + trade.Fees
	if cost > s.capital {
		return false
	}

	s.capital -= cost
	s.open = append(s.open, &trade)
	return true
}

// Resolve 按市场结算结果平掉一笔持仓。
func (s *Simulator) Resolve(trade *Trade, result string, at time.Time) {
	won := (trade.Direction == "UP" && result == "yes") ||
		(trade.Direction == "DOWN" && result == "no")

	trade.ExitTime = at
	trade.Resolved = true
	trade.MarketResult = result
	if won {
		payout := trade.Contracts // 每张合约结算1美元
		trade.PnL = payout - trade.Size - trade.Fees
		trade.Outcome = "win"
		s.capital += payout
	} else {
		trade.PnL = -trade.Size - trade.Fees
		trade.Outcome = "loss"
	}

	s.removeOpen(trade)
	s.closed = append(s.closed, *trade)
	s.recordEquity()
}

// ForceClose 以入场价平掉一笔持仓，盈亏为零，本金退回。
// 回测结束时仍未满足结算条件的持仓按此处理。
func (s *Simulator) ForceClose(trade *Trade, at time.Time) {
	trade.ExitTime = at
	trade.PnL = -trade.Fees
	trade.Outcome = "flat"

	s.capital += trade.Size
	s.removeOpen(trade)
	s.closed = append(s.closed, *trade)
	s.recordEquity()
}

// ForceCloseAll 平掉全部剩余持仓。
func (s *Simulator) ForceCloseAll(at time.Time) {
	for len(s.open) > 0 {
		s.ForceClose(s.open[0], at)
	}
}

// Metrics 汇总当前簿记为绩效指标。
func (s *Simulator) Metrics() Metrics {
	m := Metrics{
		TotalTrades:  len(s.closed),
		FinalCapital: s.capital,
		MaxDrawdown:  s.maxDD,
		SharpeRatio:  computeSharpe(s.returns),
		SkippedFills: s.skippedFills,
	}
	for _, t := range s.closed {
		m.TotalPnL += t.PnL
		switch t.Outcome {
		case "win":
			m.Wins++
		case "loss":
			m.Losses++
		default:
			m.Flat++
		}
	}
	decided := m.Wins + m.Losses
	if decided > 0 {
		m.WinRate = float64(m.Wins) / float64(decided) * 100
	}
	if s.cfg.InitialCapital > 0 {
		m.ReturnPct = m.TotalPnL / s.cfg.InitialCapital * 100
	}
	return m
}

// ClosedTrades 返回全部已平仓交易。
func (s *Simulator) ClosedTrades() []Trade {
	return s.closed
}

// EquityCurve 返回每次平仓后的权益序列。
func (s *Simulator) EquityCurve() []float64 {
	return s.equity
}

// slippageCents 按下注规模估算滑点，上限3美分。
func (s *Simulator) slippageCents(size float64) float64 {
	slippage := s.cfg.Realistic.SlippageCoeff * size / 100
	if slippage > 3 {
		slippage = 3
	}
	return slippage
}

// removeOpen 从持仓列表中移除指定交易。
func (s *Simulator) removeOpen(trade *Trade) {
	for i, t := range s.open {
		if t == trade {
			s.open = append(s.open[:i], s.open[i+1:]...)
			return
		}
	}
}

// recordEquity 记录一次平仓后的权益点，并增量维护峰值与最大回撤。
func (s *Simulator) recordEquity() {
	// 未平仓头寸按成本计入权益。
	equity := s.capital
	for _, t := range s.open {
		equity += t.Size
	}

	prev := s.equity[len(s.equity)-1]
	s.equity = append(s.equity, equity)
	if prev > 0 {
		s.returns = append(s.returns, equity/prev-1)
	}

	if equity > s.peak {
		s.peak = equity
	}
	if s.peak > 0 {
		if dd := (s.peak - equity) / s.peak; dd > s.maxDD {
			s.maxDD = dd
		}
	}
}
