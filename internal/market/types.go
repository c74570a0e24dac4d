package market

import (
	"strings"
	"time"
)

// Candle 代表单根现货K线。
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// OddsTick 是预测市场在某一时刻的一次成交观测。
type OddsTick struct {
	Timestamp time.Time
	Ticker    string
	YesPrice  float64
	NoPrice   float64
	// Result 为市场结算结果（"yes"/"no"），未结算时为空。
	Result string
}

// Market 描述一个预测市场的快照。
type Market struct {
	Ticker       string
	Title        string
	YesPrice     float64
	NoPrice      float64
	Volume       int64
	OpenInterest int64
	Result       string
	Strike       float64
	Expiration   time.Time
	Status       string
}

// SymbolInfo 记录现货交易对与预测市场系列之间的映射关系。
type SymbolInfo struct {
	Binance string
	Series  string
	Base    string
}

// SymbolMap 为内置的跨交易所符号映射。
var SymbolMap = map[string]SymbolInfo{
	"BTCUSDT": {Binance: "BTCUSDT", Series: "KXBTC", Base: "BTC"},
	"ETHUSDT": {Binance: "ETHUSDT", Series: "KXETH", Base: "ETH"},
	"SOLUSDT": {Binance: "SOLUSDT", Series: "KXSOL", Base: "SOL"},
}

// BaseOf 返回交易对对应的基础资产符号，未知时返回空串。
func BaseOf(symbol string) string {
	if info, ok := SymbolMap[strings.ToUpper(symbol)]; ok {
		return info.Base
	}
	return ""
}

// SymbolOfSeries 返回预测市场系列对应的现货交易对，未知时返回空串。
func SymbolOfSeries(series string) string {
	upper := strings.ToUpper(series)
	for symbol, info := range SymbolMap {
		if info.Series == upper {
			return symbol
		}
	}
	return ""
}

// SeriesOf 返回交易对对应的预测市场系列，未知时回退到 KXBTC。
func SeriesOf(symbol string) string {
	if info, ok := SymbolMap[strings.ToUpper(symbol)]; ok {
		return info.Series
	}
	return "KXBTC"
}
