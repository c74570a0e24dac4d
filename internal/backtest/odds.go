package backtest

import (
	"time"

	"kalshi-arb/internal/market"
)

// oddsIndex 把成交观测按分钟索引，支持带容差的时间点查询。
type oddsIndex struct {
	byMinute map[int64]market.OddsTick
}

// newOddsIndex 构建分钟索引，同一分钟内保留最后一笔成交。
func newOddsIndex(ticks []market.OddsTick) *oddsIndex {
	idx := &oddsIndex{byMinute: make(map[int64]market.OddsTick, len(ticks))}
	for _, t := range ticks {
		idx.byMinute[t.Timestamp.Truncate(time.Minute).Unix()] = t
	}
	return idx
}

// at 查询某时间点的赔率观测：先精确到分钟，未命中时在前后
// 5分钟内以60秒为步长就近搜索。
func (idx *oddsIndex) at(t time.Time) (market.OddsTick, bool) {
	base := t.Truncate(time.Minute).Unix()
	if tick, ok := idx.byMinute[base]; ok {
		return tick, true
	}
	for offset := int64(60); offset <= 300; offset += 60 {
		if tick, ok := idx.byMinute[base-offset]; ok {
			return tick, true
		}
		if tick, ok := idx.byMinute[base+offset]; ok {
			return tick, true
		}
	}
	return market.OddsTick{}, false
}
