package event

import "time"

// Kind 表示事件类型。
type Kind string

const (
	KindPriceUpdate     Kind = "price_update"
	KindMarketOdds      Kind = "market_odds"
	KindArbitrageSignal Kind = "arbitrage_signal"
	KindAlert           Kind = "alert"
)

// Event 是总线上所有事件的公共接口。
// Time 返回事件时间而非接收时间，冷却与回放逻辑只允许使用事件时间，
// 以保证回测与实盘共用同一套判定。
type Event interface {
	Kind() Kind
	Time() time.Time
}

// PriceUpdate 在现货行情刷新时发布。
type PriceUpdate struct {
	Timestamp       time.Time `json:"timestamp"`
	Symbol          string    `json:"symbol"`
	Price           float64   `json:"price"`
	Volume24h       float64   `json:"volume_24h"`
	PriceChange24h  float64   `json:"price_change_24h"`
	MomentumUpPct   float64   `json:"momentum_up_pct"`
	WindowMinutes   int       `json:"momentum_window_minutes"`
	CandlesAnalyzed int       `json:"candles_analyzed"`
	TrendConfirmed  bool      `json:"trend_confirmed"`
}

func (PriceUpdate) Kind() Kind        { return KindPriceUpdate }
func (e PriceUpdate) Time() time.Time { return e.Timestamp }

// MarketOdds 在预测市场赔率刷新时发布。
type MarketOdds struct {
	Timestamp    time.Time `json:"timestamp"`
	Ticker       string    `json:"market_ticker"`
	Title        string    `json:"market_title"`
	YesPrice     float64   `json:"yes_price"`
	NoPrice      float64   `json:"no_price"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	Underlying   string    `json:"underlying_symbol"`
	Strike       float64   `json:"strike_price,omitempty"`
	Expiration   time.Time `json:"expiration,omitempty"`
}

func (MarketOdds) Kind() Kind        { return KindMarketOdds }
func (e MarketOdds) Time() time.Time { return e.Timestamp }

// ArbitrageSignal 在检测到套利机会时发布。
type ArbitrageSignal struct {
	Timestamp      time.Time `json:"timestamp"`
	Symbol         string    `json:"symbol"`
	Direction      string    `json:"direction"` // "UP" 或 "DOWN"
	Confidence     float64   `json:"confidence"`
	SpotMomentum   float64   `json:"spot_momentum_pct"`
	YesPrice       float64   `json:"kalshi_yes_price"`
	NoPrice        float64   `json:"kalshi_no_price"`
	Ticker         string    `json:"market_ticker"`
	Spread         float64   `json:"spread"`
	Recommendation string    `json:"recommendation"`
}

func (ArbitrageSignal) Kind() Kind        { return KindArbitrageSignal }
func (e ArbitrageSignal) Time() time.Time { return e.Timestamp }

// Alert 承载来自任意代理的告警信息。
type Alert struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"` // INFO / WARNING / OPPORTUNITY
	Message   string                 `json:"message"`
	Source    string                 `json:"source_agent"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (Alert) Kind() Kind        { return KindAlert }
func (e Alert) Time() time.Time { return e.Timestamp }
