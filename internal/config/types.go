package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Binance    BinanceConfig    `mapstructure:"binance"`
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	// MonitorPort 为健康检查HTTP端口，0表示不启动。
	MonitorPort int `mapstructure:"monitor_port"`
}

// BinanceConfig 描述现货行情源配置。
type BinanceConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	UseSandbox     bool          `mapstructure:"use_sandbox"`
	Symbols        []string      `mapstructure:"symbols"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MomentumWindow int           `mapstructure:"momentum_window"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// KalshiConfig 描述预测市场行情源配置。
type KalshiConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Series          []string      `mapstructure:"series"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RequestInterval time.Duration `mapstructure:"request_interval"`
}

// RetryConfig 统一控制单次外呼的重试机制。
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	ExponentialBase float64       `mapstructure:"exponential_base"`
	Jitter          bool          `mapstructure:"jitter"`
}

// DetectorConfig 管理信号检测阈值。
type DetectorConfig struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	MinOddsSpread       float64       `mapstructure:"min_odds_spread"`
	MinConfidence       float64       `mapstructure:"min_confidence"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
}

// StrategyConfig 是策略过滤器的开关集合，进程启动时读取一次后不可变。
type StrategyConfig struct {
	MomentumAcceleration  bool    `mapstructure:"momentum_acceleration"`
	AccelerationTolerance float64 `mapstructure:"acceleration_tolerance"`
	TrendConfirmation     bool    `mapstructure:"trend_confirmation"`
	DynamicNeutralRange   bool    `mapstructure:"dynamic_neutral_range"`
	ImprovedConfidence    bool    `mapstructure:"improved_confidence"`
	VolatilityFilter      bool    `mapstructure:"volatility_filter"`
	VolatilityThreshold   float64 `mapstructure:"volatility_threshold"`
	PullbackEntry         bool    `mapstructure:"pullback_entry"`
	PullbackThreshold     float64 `mapstructure:"pullback_threshold"`
	TightSpreadFilter     bool    `mapstructure:"tight_spread_filter"`
	MinSpreadCents        float64 `mapstructure:"min_spread_cents"`
	CorrelationCheck      bool    `mapstructure:"correlation_check"`
	TimeFilter            bool    `mapstructure:"time_filter"`
	TradingHoursStart     int     `mapstructure:"trading_hours_start"`
	TradingHoursEnd       int     `mapstructure:"trading_hours_end"`
	MultiframeConfirm     bool    `mapstructure:"multiframe_confirmation"`
	MultiframeThreshold   float64 `mapstructure:"multiframe_threshold"`
	MultiframeMinutes     int     `mapstructure:"multiframe_minutes"`
	// 15分钟市场存续期短，使用更短的动量窗口与略低的动量阈值。
	Markets15Min           bool    `mapstructure:"markets_15min"`
	Momentum15MinWindow    int     `mapstructure:"momentum_15min_window"`
	Momentum15MinThreshold float64 `mapstructure:"momentum_15min_threshold"`
}

// AgentConfig 控制受监督代理的熔断与退避行为。
type AgentConfig struct {
	BreakerThreshold     int           `mapstructure:"breaker_threshold"`
	BreakerRecovery      time.Duration `mapstructure:"breaker_recovery"`
	BreakerHalfOpenCalls int           `mapstructure:"breaker_half_open_calls"`
	OpenWait             time.Duration `mapstructure:"open_wait"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffCap           time.Duration `mapstructure:"backoff_cap"`
	HealthInterval       time.Duration `mapstructure:"health_interval"`
}

// CacheConfig 管理历史数据缓存存储。
type CacheConfig struct {
	Path            string        `mapstructure:"path"`
	InMemory        bool          `mapstructure:"in_memory"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// AggregatorConfig 控制信号聚合器的输出。
type AggregatorConfig struct {
	LogDir   string        `mapstructure:"log_dir"`
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// RealisticConfig 控制回测中的真实性模拟扩展。
type RealisticConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	FeeCents      float64 `mapstructure:"fee_cents"`
	SlippageCoeff float64 `mapstructure:"slippage_coeff"`
	MinFillRate   float64 `mapstructure:"min_fill_rate"`
	LatencyMs     int     `mapstructure:"latency_ms"`
	AdverseProb   float64 `mapstructure:"adverse_probability"`
}

// SizingConfig 控制仓位大小策略。
type SizingConfig struct {
	Method        string  `mapstructure:"method"`
	KellyFraction float64 `mapstructure:"kelly_fraction"`
	BaseSize      float64 `mapstructure:"base_size"`
	MaxSize       float64 `mapstructure:"max_size"`
	MinSize       float64 `mapstructure:"min_size"`
}

// BacktestConfig 定义回测参数。
type BacktestConfig struct {
	Window          int             `mapstructure:"window"`
	TradeSize       float64         `mapstructure:"trade_size"`
	MinConfidence   float64         `mapstructure:"min_confidence"`
	MaxOpenTrades   int             `mapstructure:"max_open_trades"`
	MaxHolding      time.Duration   `mapstructure:"max_holding"`
	Cooldown        time.Duration   `mapstructure:"cooldown"`
	InitialCapital  float64         `mapstructure:"initial_capital"`
	MinMarketVolume int             `mapstructure:"min_market_volume"`
	Seed            int64           `mapstructure:"seed"`
	OutputDir       string          `mapstructure:"output_dir"`
	Realistic       RealisticConfig `mapstructure:"realistic"`
	Sizing          SizingConfig    `mapstructure:"sizing"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验，配置类错误在启动时立即失败，绝不拖到运行中。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if len(c.Binance.Symbols) == 0 {
		err = multierr.Append(err, errors.New("binance.symbols 至少包含一个交易对"))
	}
	if c.Binance.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("binance.poll_interval 必须大于0"))
	}
	if c.Binance.MomentumWindow <= 0 {
		err = multierr.Append(err, errors.New("binance.momentum_window 必须大于0"))
	}
	if c.Binance.Retry.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("binance.retry.max_retries 不能为负"))
	}
	if c.Binance.Retry.BaseDelay <= 0 || c.Binance.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("binance.retry.delay 必须为正"))
	}
	if c.Binance.Retry.BaseDelay > c.Binance.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("binance.retry.base_delay 不能大于 max_delay"))
	}
	if c.Binance.Retry.ExponentialBase < 1 {
		err = multierr.Append(err, errors.New("binance.retry.exponential_base 不能小于1"))
	}
	if c.Kalshi.BaseURL == "" {
		err = multierr.Append(err, errors.New("kalshi.base_url 不能为空"))
	}
	if len(c.Kalshi.Series) == 0 {
		err = multierr.Append(err, errors.New("kalshi.series 至少包含一个系列"))
	}
	if c.Kalshi.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("kalshi.poll_interval 必须大于0"))
	}
	if c.Kalshi.Timeout <= 0 {
		err = multierr.Append(err, errors.New("kalshi.timeout 必须大于0"))
	}
	if c.Detector.ConfidenceThreshold <= 50 || c.Detector.ConfidenceThreshold > 100 {
		err = multierr.Append(err, errors.New("detector.confidence_threshold 必须位于(50,100]，否则方向分类不互斥"))
	}
	if c.Detector.MinOddsSpread < 0 {
		err = multierr.Append(err, errors.New("detector.min_odds_spread 不能为负"))
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 100 {
		err = multierr.Append(err, errors.New("detector.min_confidence 必须位于[0,100]"))
	}
	if c.Detector.Cooldown < 0 {
		err = multierr.Append(err, errors.New("detector.cooldown 不能为负"))
	}
	if c.Strategy.VolatilityFilter && c.Strategy.VolatilityThreshold <= 0 {
		err = multierr.Append(err, errors.New("strategy.volatility_threshold 启用时必须大于0"))
	}
	if c.Strategy.PullbackEntry && c.Strategy.PullbackThreshold <= 0 {
		err = multierr.Append(err, errors.New("strategy.pullback_threshold 启用时必须大于0"))
	}
	if c.Strategy.TightSpreadFilter && c.Strategy.MinSpreadCents <= 0 {
		err = multierr.Append(err, errors.New("strategy.min_spread_cents 启用时必须大于0"))
	}
	if c.Strategy.TimeFilter {
		if c.Strategy.TradingHoursStart < 0 || c.Strategy.TradingHoursStart > 23 {
			err = multierr.Append(err, errors.New("strategy.trading_hours_start 必须位于[0,23]"))
		}
		if c.Strategy.TradingHoursEnd < 0 || c.Strategy.TradingHoursEnd > 23 {
			err = multierr.Append(err, errors.New("strategy.trading_hours_end 必须位于[0,23]"))
		}
	}
	if c.Strategy.MultiframeConfirm && c.Strategy.MultiframeMinutes <= 1 {
		err = multierr.Append(err, errors.New("strategy.multiframe_minutes 启用时必须大于1"))
	}
	if c.Strategy.Markets15Min {
		if c.Strategy.Momentum15MinWindow <= 0 {
			err = multierr.Append(err, errors.New("strategy.momentum_15min_window 启用时必须大于0"))
		}
		if c.Strategy.Momentum15MinThreshold <= 50 || c.Strategy.Momentum15MinThreshold > 100 {
			err = multierr.Append(err, errors.New("strategy.momentum_15min_threshold 必须位于(50,100]"))
		}
	}
	if c.Agent.BreakerThreshold <= 0 {
		err = multierr.Append(err, errors.New("agent.breaker_threshold 必须大于0"))
	}
	if c.Agent.BreakerRecovery <= 0 {
		err = multierr.Append(err, errors.New("agent.breaker_recovery 必须大于0"))
	}
	if c.Agent.BreakerHalfOpenCalls <= 0 {
		err = multierr.Append(err, errors.New("agent.breaker_half_open_calls 必须大于0"))
	}
	if c.Agent.BackoffBase <= 0 || c.Agent.BackoffCap <= 0 {
		err = multierr.Append(err, errors.New("agent.backoff 必须为正"))
	}
	if c.Agent.BackoffBase > c.Agent.BackoffCap {
		err = multierr.Append(err, errors.New("agent.backoff_base 不能大于 backoff_cap"))
	}
	if c.Cache.Path == "" && !c.Cache.InMemory {
		err = multierr.Append(err, errors.New("cache.path 不能为空"))
	}
	if c.Cache.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("cache.max_open_conns 必须大于0"))
	}
	if c.Aggregator.LogDir == "" {
		err = multierr.Append(err, errors.New("aggregator.log_dir 不能为空"))
	}
	if c.Backtest.Window <= 0 {
		err = multierr.Append(err, errors.New("backtest.window 必须大于0"))
	}
	if c.Backtest.TradeSize <= 0 {
		err = multierr.Append(err, errors.New("backtest.trade_size 必须大于0"))
	}
	if c.Backtest.MaxOpenTrades <= 0 {
		err = multierr.Append(err, errors.New("backtest.max_open_trades 必须大于0"))
	}
	if c.Backtest.MaxHolding <= 0 {
		err = multierr.Append(err, errors.New("backtest.max_holding 必须大于0"))
	}
	if c.Backtest.InitialCapital <= 0 {
		err = multierr.Append(err, errors.New("backtest.initial_capital 必须大于0"))
	}
	if r := c.Backtest.Realistic; r.Enabled {
		if r.FeeCents < 0 {
			err = multierr.Append(err, errors.New("backtest.realistic.fee_cents 不能为负"))
		}
		if r.MinFillRate < 0 || r.MinFillRate > 1 {
			err = multierr.Append(err, errors.New("backtest.realistic.min_fill_rate 必须位于[0,1]"))
		}
		if r.AdverseProb < 0 || r.AdverseProb > 1 {
			err = multierr.Append(err, errors.New("backtest.realistic.adverse_probability 必须位于[0,1]"))
		}
	}
	switch c.Backtest.Sizing.Method {
	case "fixed", "kelly", "fractional_kelly":
	default:
		err = multierr.Append(err, fmt.Errorf("backtest.sizing.method 不支持 %q", c.Backtest.Sizing.Method))
	}
	if c.Backtest.Sizing.KellyFraction <= 0 || c.Backtest.Sizing.KellyFraction > 1 {
		err = multierr.Append(err, errors.New("backtest.sizing.kelly_fraction 必须位于(0,1]"))
	}
	if c.Backtest.Sizing.MinSize > c.Backtest.Sizing.MaxSize {
		err = multierr.Append(err, errors.New("backtest.sizing.min_size 不能大于 max_size"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
