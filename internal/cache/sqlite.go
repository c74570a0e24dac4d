package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/market"
)

// Cache 是历史行情的本地 SQLite 缓存。
//
// 所有写入都是幂等的，重复回灌同一区间不会产生重复行；
// 打开时执行完整性检查，损坏的库会被隔离后重建一次。
type Cache struct {
	db     *sql.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS spot_klines (
	symbol     TEXT    NOT NULL,
	open_time  INTEGER NOT NULL,
	open       REAL    NOT NULL,
	high       REAL    NOT NULL,
	low        REAL    NOT NULL,
	close      REAL    NOT NULL,
	volume     REAL    NOT NULL,
	PRIMARY KEY (symbol, open_time)
);
CREATE TABLE IF NOT EXISTS odds_ticks (
	ticker     TEXT    NOT NULL,
	ts         INTEGER NOT NULL,
	yes_price  REAL    NOT NULL,
	no_price   REAL    NOT NULL,
	result     TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (ticker, ts)
);
CREATE TABLE IF NOT EXISTS markets (
	ticker        TEXT PRIMARY KEY,
	series        TEXT NOT NULL,
	title         TEXT NOT NULL,
	strike        REAL NOT NULL DEFAULT 0,
	expiration    INTEGER NOT NULL DEFAULT 0,
	volume        INTEGER NOT NULL DEFAULT 0,
	open_interest INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT '',
	result        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_markets_series ON markets (series, status);
`

// Open 打开缓存库。完整性检查失败时把坏库移到 <path>.corrupt 并重建，
// 重建只尝试一次，第二次仍失败则返回错误。
func Open(cfg config.CacheConfig, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openVerified(cfg)
	if err != nil && !cfg.InMemory {
		quarantine := cfg.Path + ".corrupt"
		logger.Warn("缓存库损坏，隔离后重建",
			zap.String("path", cfg.Path),
			zap.String("quarantine", quarantine),
			zap.Error(err),
		)
		if renameErr := os.Rename(cfg.Path, quarantine); renameErr != nil {
			return nil, fmt.Errorf("隔离损坏缓存失败: %w", renameErr)
		}
		db, err = openVerified(cfg)
	}
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化缓存表结构失败: %w", err)
	}

	return &Cache{db: db, logger: logger}, nil
}

func openVerified(cfg config.CacheConfig) (*sql.DB, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("打开缓存库失败: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("设置 WAL 模式失败: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("设置同步级别失败: %w", err)
	}

	var verdict string
	if err := db.QueryRow("PRAGMA integrity_check;").Scan(&verdict); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("缓存完整性检查失败: %w", err)
	}
	if verdict != "ok" {
		_ = db.Close()
		return nil, fmt.Errorf("缓存完整性检查未通过: %s", verdict)
	}

	return db, nil
}

// Close 关闭底层连接。
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// SaveCandles 幂等写入一批K线。
func (c *Cache) SaveCandles(ctx context.Context, symbol string, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启缓存事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO spot_klines (symbol, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("准备K线写入语句失败: %w", err)
	}
	defer stmt.Close()

	for _, k := range candles {
		if _, err := stmt.ExecContext(ctx, symbol, k.OpenTime.UnixMilli(),
			k.Open, k.High, k.Low, k.Close, k.Volume); err != nil {
			return fmt.Errorf("写入K线失败: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交K线写入失败: %w", err)
	}
	return nil
}

// Candles 返回 [start, end) 区间内按时间升序的K线。
func (c *Cache) Candles(ctx context.Context, symbol string, start, end time.Time) ([]market.Candle, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume
		FROM spot_klines
		WHERE symbol = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC`,
		symbol, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("查询缓存K线失败: %w", err)
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		var openTime int64
		var k market.Candle
		if err := rows.Scan(&openTime, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume); err != nil {
			return nil, fmt.Errorf("读取缓存K线失败: %w", err)
		}
		k.OpenTime = time.UnixMilli(openTime).UTC()
		out = append(out, k)
	}
	return out, rows.Err()
}

// CandleCoverage 返回 [start, end) 区间内已缓存的K线根数，
// 调用方据此判断覆盖率是否足够而无需回源。
func (c *Cache) CandleCoverage(ctx context.Context, symbol string, start, end time.Time) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM spot_klines
		WHERE symbol = ? AND open_time >= ? AND open_time < ?`,
		symbol, start.UnixMilli(), end.UnixMilli()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("统计K线覆盖率失败: %w", err)
	}
	return count, nil
}

// SaveOddsTicks 幂等写入一批赔率观测。
func (c *Cache) SaveOddsTicks(ctx context.Context, ticker string, ticks []market.OddsTick) error {
	if len(ticks) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启缓存事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO odds_ticks (ticker, ts, yes_price, no_price, result)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("准备赔率写入语句失败: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, ticker, t.Timestamp.Unix(),
			t.YesPrice, t.NoPrice, t.Result); err != nil {
			return fmt.Errorf("写入赔率观测失败: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交赔率写入失败: %w", err)
	}
	return nil
}

// OddsTicks 返回 [start, end] 区间内按时间升序的赔率观测。
func (c *Cache) OddsTicks(ctx context.Context, ticker string, start, end time.Time) ([]market.OddsTick, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ts, yes_price, no_price, result
		FROM odds_ticks
		WHERE ticker = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`,
		ticker, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("查询缓存赔率失败: %w", err)
	}
	defer rows.Close()

	var out []market.OddsTick
	for rows.Next() {
		var ts int64
		tick := market.OddsTick{Ticker: ticker}
		if err := rows.Scan(&ts, &tick.YesPrice, &tick.NoPrice, &tick.Result); err != nil {
			return nil, fmt.Errorf("读取缓存赔率失败: %w", err)
		}
		tick.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, tick)
	}
	return out, rows.Err()
}

// OddsTickCount 返回某市场已缓存的观测条数。
func (c *Cache) OddsTickCount(ctx context.Context, ticker string) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM odds_ticks WHERE ticker = ?`, ticker).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("统计赔率观测失败: %w", err)
	}
	return count, nil
}

// SaveMarkets 幂等写入市场元数据。
func (c *Cache) SaveMarkets(ctx context.Context, series string, markets []market.Market) error {
	if len(markets) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启缓存事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO markets
		(ticker, series, title, strike, expiration, volume, open_interest, status, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("准备市场写入语句失败: %w", err)
	}
	defer stmt.Close()

	for _, m := range markets {
		var expiration int64
		if !m.Expiration.IsZero() {
			expiration = m.Expiration.Unix()
		}
		if _, err := stmt.ExecContext(ctx, m.Ticker, series, m.Title, m.Strike,
			expiration, m.Volume, m.OpenInterest, m.Status, m.Result); err != nil {
			return fmt.Errorf("写入市场元数据失败: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交市场写入失败: %w", err)
	}
	return nil
}

// Markets 返回某系列缓存的市场元数据，status 为空时不过滤状态。
func (c *Cache) Markets(ctx context.Context, series, status string) ([]market.Market, error) {
	query := `
		SELECT ticker, title, strike, expiration, volume, open_interest, status, result
		FROM markets WHERE series = ?`
	args := []interface{}{series}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY ticker ASC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询缓存市场失败: %w", err)
	}
	defer rows.Close()

	var out []market.Market
	for rows.Next() {
		var m market.Market
		var expiration int64
		if err := rows.Scan(&m.Ticker, &m.Title, &m.Strike, &expiration,
			&m.Volume, &m.OpenInterest, &m.Status, &m.Result); err != nil {
			return nil, fmt.Errorf("读取缓存市场失败: %w", err)
		}
		if expiration > 0 {
			m.Expiration = time.Unix(expiration, 0).UTC()
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建目录 %q 失败: %w", path, err)
	}
	return nil
}
