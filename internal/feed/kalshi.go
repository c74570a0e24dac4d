package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/market"
)

// tradePageLimit 是单次成交查询的上限，与 Kalshi API 限制一致。
const tradePageLimit = 1000

// KalshiClient 访问 Kalshi 公开行情 API。
// 公开行情端点无需鉴权，api_key 配置留作私有端点扩展。
type KalshiClient struct {
	cfg        config.KalshiConfig
	logger     *zap.Logger
	httpClient *http.Client

	// 简单的节流闸：相邻请求之间至少间隔 request_interval。
	throttleMu sync.Mutex
	lastCall   time.Time
}

var _ market.OddsSource = (*KalshiClient)(nil)

type kalshiMarket struct {
	Ticker         string  `json:"ticker"`
	Title          string  `json:"title"`
	YesBid         float64 `json:"yes_bid"`
	YesAsk         float64 `json:"yes_ask"`
	NoBid          float64 `json:"no_bid"`
	NoAsk          float64 `json:"no_ask"`
	LastPrice      float64 `json:"last_price"`
	Volume         int64   `json:"volume"`
	OpenInterest   int64   `json:"open_interest"`
	Result         string  `json:"result"`
	Status         string  `json:"status"`
	FloorStrike    float64 `json:"floor_strike"`
	CapStrike      float64 `json:"cap_strike"`
	ExpirationTime string  `json:"expiration_time"`
}

type kalshiMarketsResponse struct {
	Markets []kalshiMarket `json:"markets"`
	Cursor  string         `json:"cursor"`
}

type kalshiMarketResponse struct {
	Market kalshiMarket `json:"market"`
}

type kalshiTrade struct {
	TradeID     string  `json:"trade_id"`
	Ticker      string  `json:"ticker"`
	YesPrice    float64 `json:"yes_price"`
	NoPrice     float64 `json:"no_price"`
	Count       int64   `json:"count"`
	CreatedTime string  `json:"created_time"`
}

type kalshiTradesResponse struct {
	Trades []kalshiTrade `json:"trades"`
	Cursor string        `json:"cursor"`
}

// NewKalshiClient 构造 Kalshi 行情客户端。
func NewKalshiClient(cfg config.KalshiConfig, logger *zap.Logger) *KalshiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KalshiClient{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Markets 返回某系列处于给定状态的市场列表，status 为空时不过滤。
func (c *KalshiClient) Markets(ctx context.Context, series, status string, limit int) ([]market.Market, error) {
	if limit <= 0 {
		limit = 100
	}

	query := url.Values{}
	query.Set("series_ticker", series)
	query.Set("limit", strconv.Itoa(limit))
	if status != "" {
		query.Set("status", status)
	}

	var out []market.Market
	cursor := ""
	for {
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var resp kalshiMarketsResponse
		if err := c.getJSON(ctx, "/markets", query, &resp); err != nil {
			return nil, fmt.Errorf("查询 Kalshi 市场列表失败: %w", err)
		}

		for _, m := range resp.Markets {
			out = append(out, convertKalshiMarket(m))
			if len(out) >= limit {
				return out, nil
			}
		}

		if resp.Cursor == "" || len(resp.Markets) == 0 {
			return out, nil
		}
		cursor = resp.Cursor
	}
}

// Trades 返回某市场 [start, end] 区间内的成交观测，按时间升序。
// Kalshi 按时间倒序分页返回，取完后整体反转。
func (c *KalshiClient) Trades(ctx context.Context, ticker string, start, end time.Time, limit int) ([]market.OddsTick, error) {
	if limit <= 0 {
		limit = tradePageLimit
	}

	query := url.Values{}
	query.Set("ticker", ticker)
	query.Set("min_ts", strconv.FormatInt(start.Unix(), 10))
	query.Set("max_ts", strconv.FormatInt(end.Unix(), 10))
	query.Set("limit", strconv.Itoa(minInt(limit, tradePageLimit)))

	var ticks []market.OddsTick
	cursor := ""
	for {
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var resp kalshiTradesResponse
		if err := c.getJSON(ctx, "/markets/trades", query, &resp); err != nil {
			return nil, fmt.Errorf("查询 Kalshi 成交失败: %w", err)
		}

		for _, t := range resp.Trades {
			ts, err := time.Parse(time.RFC3339, t.CreatedTime)
			if err != nil {
				c.logger.Warn("无法解析成交时间，跳过该条",
					zap.String("ticker", ticker),
					zap.String("created_time", t.CreatedTime),
				)
				continue
			}
			ticks = append(ticks, market.OddsTick{
				Timestamp: ts.UTC(),
				Ticker:    t.Ticker,
				YesPrice:  t.YesPrice,
				NoPrice:   t.NoPrice,
			})
			if len(ticks) >= limit {
				reverseTicks(ticks)
				return ticks, nil
			}
		}

		if resp.Cursor == "" || len(resp.Trades) == 0 {
			reverseTicks(ticks)
			return ticks, nil
		}
		cursor = resp.Cursor
	}
}

// Settlement 查询市场结算结果，未结算返回空串。
func (c *KalshiClient) Settlement(ctx context.Context, ticker string) (string, error) {
	var resp kalshiMarketResponse
	if err := c.getJSON(ctx, "/markets/"+url.PathEscape(ticker), nil, &resp); err != nil {
		return "", fmt.Errorf("查询 Kalshi 结算结果失败: %w", err)
	}
	return resp.Market.Result, nil
}

func (c *KalshiClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	c.throttle(ctx)

	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return fmt.Errorf("解析请求地址失败: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("kalshi 服务端错误: HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kalshi 请求被拒绝: HTTP %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析 Kalshi 响应失败: %w", err)
	}
	return nil
}

// throttle 保证相邻请求之间的最小间隔，Kalshi 公开端点限流较紧。
func (c *KalshiClient) throttle(ctx context.Context) {
	if c.cfg.RequestInterval <= 0 {
		return
	}

	c.throttleMu.Lock()
	wait := c.cfg.RequestInterval - time.Since(c.lastCall)
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	c.lastCall = time.Now()
	c.throttleMu.Unlock()
}

func convertKalshiMarket(m kalshiMarket) market.Market {
	out := market.Market{
		Ticker:       m.Ticker,
		Title:        m.Title,
		Volume:       m.Volume,
		OpenInterest: m.OpenInterest,
		Result:       m.Result,
		Status:       m.Status,
	}

	// 赔率优先取盘口中间价，没有盘口时退回最近成交价。
	if m.YesBid > 0 || m.YesAsk > 0 {
		out.YesPrice = (m.YesBid + m.YesAsk) / 2
	} else {
		out.YesPrice = m.LastPrice
	}
	out.NoPrice = 100 - out.YesPrice

	if m.FloorStrike > 0 {
		out.Strike = m.FloorStrike
	} else if m.CapStrike > 0 {
		out.Strike = m.CapStrike
	}
	if m.ExpirationTime != "" {
		if ts, err := time.Parse(time.RFC3339, m.ExpirationTime); err == nil {
			out.Expiration = ts.UTC()
		}
	}
	return out
}

func reverseTicks(ticks []market.OddsTick) {
	for i, j := 0, len(ticks)-1; i < j; i, j = i+1, j-1 {
		ticks[i], ticks[j] = ticks[j], ticks[i]
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
