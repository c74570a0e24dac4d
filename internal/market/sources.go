package market

import (
	"context"
	"errors"
	"time"
)

// ErrNoData 表示数据源在请求区间内没有可用数据。
var ErrNoData = errors.New("market: no data available")

// CandleSource 提供按时间升序排列的现货K线，支持从缓存水位续传。
type CandleSource interface {
	// HistoricalCandles 返回 [start, end) 区间内的1分钟K线。
	HistoricalCandles(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error)
	// RecentCandles 返回最近 limit 根已完成K线。
	RecentCandles(ctx context.Context, symbol string, limit int) ([]Candle, error)
}

// OddsSource 提供预测市场的行情观测与结算查询。
type OddsSource interface {
	// Markets 返回某系列处于给定状态的市场列表。
	Markets(ctx context.Context, series, status string, limit int) ([]Market, error)
	// Trades 返回某市场在 [start, end] 区间内的成交观测。
	Trades(ctx context.Context, ticker string, start, end time.Time, limit int) ([]OddsTick, error)
	// Settlement 按市场代码查询结算结果，未结算时返回空串。
	Settlement(ctx context.Context, ticker string) (string, error)
}
