package sizing

import (
	"math"

	"kalshi-arb/internal/config"
)

// Sizer 根据配置的仓位策略计算单笔下注金额。
type Sizer struct {
	cfg config.SizingConfig
}

// New 创建仓位计算器。
func New(cfg config.SizingConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Kelly 计算凯利最优仓位比例。
//
// entryPrice 为合约入场价（美分），赢时每张合约赚 100-entry，
// 输时亏 entry，赔率 b = (100-entry)/entry，f* = (b*p - (1-p)) / b。
// 结果收敛到 [0, 1]，无优势时为0。
func Kelly(winProbability, entryPrice float64) float64 {
	if entryPrice <= 0 || entryPrice >= 100 {
		return 0
	}
	p := math.Min(math.Max(winProbability, 0), 1)
	b := (100 - entryPrice) / entryPrice

	f := (b*p - (1 - p)) / b
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Size 返回单笔下注金额。confidence 取 [0,100]，entryPrice 取美分。
func (s *Sizer) Size(capital, confidence, entryPrice float64) float64 {
	var size float64

	switch s.cfg.Method {
	case "kelly":
		size = capital * Kelly(confidence/100, entryPrice)
	case "fractional_kelly":
		size = capital * Kelly(confidence/100, entryPrice) * s.cfg.KellyFraction
	default:
		size = s.cfg.BaseSize
	}

	if s.cfg.MaxSize > 0 && size > s.cfg.MaxSize {
		size = s.cfg.MaxSize
	}
	if size < s.cfg.MinSize {
		size = s.cfg.MinSize
	}
	if size > capital {
		size = capital
	}
	if size < 0 {
		size = 0
	}
	return size
}
