package backtest

import (
	"time"

	"kalshi-arb/internal/market"
)

// Trade 是回测中一笔完整的合约买入记录。
// 价格单位为美分，金额单位为美元。
type Trade struct {
	Symbol     string    `json:"symbol"`
	Ticker     string    `json:"market_ticker"`
	Direction  string    `json:"direction"`
	EntryTime  time.Time `json:"entry_time"`
	EntryPrice float64   `json:"entry_price"`
	Contracts  float64   `json:"contracts"`
	Size       float64   `json:"size"`
	Fees       float64   `json:"fees"`
	Confidence float64   `json:"confidence"`
	Spread     float64   `json:"spread"`

	ExitTime     time.Time `json:"exit_time,omitempty"`
	PnL          float64   `json:"pnl"`
	Outcome      string    `json:"outcome"` // win / loss / flat
	Resolved     bool      `json:"resolved"`
	MarketResult string    `json:"market_result,omitempty"`
}

// Dataset 是一次回测所需的全部历史数据，由 Loader 组装。
type Dataset struct {
	Symbol  string
	Start   time.Time
	End     time.Time
	Candles []market.Candle
	// Markets 为已结算且成交量达标的市场。
	Markets []market.Market
	// Ticks 按市场代码索引的成交观测，时间升序。
	Ticks map[string][]market.OddsTick
}

// Result 汇总回测结果。
type Result struct {
	Symbol      string    `json:"symbol"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Metrics     Metrics   `json:"metrics"`
	Trades      []Trade   `json:"trades"`
	EquityCurve []float64 `json:"equity_curve"`
}
