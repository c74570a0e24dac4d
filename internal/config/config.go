package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "arb"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.monitor_port", 8090)

	v.SetDefault("binance.use_sandbox", false)
	v.SetDefault("binance.symbols", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})
	v.SetDefault("binance.poll_interval", "5s")
	v.SetDefault("binance.momentum_window", 60)
	v.SetDefault("binance.retry.max_retries", 3)
	v.SetDefault("binance.retry.base_delay", "500ms")
	v.SetDefault("binance.retry.max_delay", "10s")
	v.SetDefault("binance.retry.exponential_base", 2.0)
	v.SetDefault("binance.retry.jitter", true)

	v.SetDefault("kalshi.base_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.series", []string{"KXBTC", "KXETH"})
	v.SetDefault("kalshi.poll_interval", "10s")
	v.SetDefault("kalshi.timeout", "10s")
	v.SetDefault("kalshi.request_interval", "100ms")

	v.SetDefault("detector.confidence_threshold", 70)
	v.SetDefault("detector.min_odds_spread", 10.0)
	v.SetDefault("detector.min_confidence", 70.0)
	v.SetDefault("detector.cooldown", "60s")

	v.SetDefault("strategy.momentum_acceleration", false)
	v.SetDefault("strategy.acceleration_tolerance", 2.0)
	v.SetDefault("strategy.trend_confirmation", true)
	v.SetDefault("strategy.dynamic_neutral_range", true)
	v.SetDefault("strategy.improved_confidence", true)
	v.SetDefault("strategy.volatility_filter", true)
	v.SetDefault("strategy.volatility_threshold", 0.015)
	v.SetDefault("strategy.pullback_entry", true)
	v.SetDefault("strategy.pullback_threshold", 0.3)
	v.SetDefault("strategy.tight_spread_filter", false)
	v.SetDefault("strategy.min_spread_cents", 7.0)
	v.SetDefault("strategy.correlation_check", true)
	v.SetDefault("strategy.time_filter", true)
	v.SetDefault("strategy.trading_hours_start", 14)
	v.SetDefault("strategy.trading_hours_end", 22)
	v.SetDefault("strategy.multiframe_confirmation", true)
	v.SetDefault("strategy.multiframe_threshold", 55.0)
	v.SetDefault("strategy.multiframe_minutes", 5)
	v.SetDefault("strategy.markets_15min", true)
	v.SetDefault("strategy.momentum_15min_window", 15)
	v.SetDefault("strategy.momentum_15min_threshold", 65.0)

	v.SetDefault("agent.breaker_threshold", 5)
	v.SetDefault("agent.breaker_recovery", "60s")
	v.SetDefault("agent.breaker_half_open_calls", 3)
	v.SetDefault("agent.open_wait", "5s")
	v.SetDefault("agent.backoff_base", "1s")
	v.SetDefault("agent.backoff_cap", "30s")
	v.SetDefault("agent.health_interval", "30s")

	v.SetDefault("cache.path", "data/cache.db")
	v.SetDefault("cache.in_memory", false)
	v.SetDefault("cache.max_open_conns", 4)
	v.SetDefault("cache.max_idle_conns", 4)
	v.SetDefault("cache.conn_max_lifetime", "1h")

	v.SetDefault("aggregator.log_dir", "logs")
	v.SetDefault("aggregator.dedup_ttl", "60s")

	v.SetDefault("backtest.window", 60)
	v.SetDefault("backtest.trade_size", 100.0)
	v.SetDefault("backtest.min_confidence", 70.0)
	v.SetDefault("backtest.max_open_trades", 3)
	v.SetDefault("backtest.max_holding", "1h")
	v.SetDefault("backtest.cooldown", "5m")
	v.SetDefault("backtest.initial_capital", 10000.0)
	v.SetDefault("backtest.min_market_volume", 100)
	v.SetDefault("backtest.seed", 1)
	v.SetDefault("backtest.output_dir", "logs")
	v.SetDefault("backtest.realistic.enabled", false)
	v.SetDefault("backtest.realistic.fee_cents", 1.5)
	v.SetDefault("backtest.realistic.slippage_coeff", 0.5)
	v.SetDefault("backtest.realistic.min_fill_rate", 0.3)
	v.SetDefault("backtest.realistic.latency_ms", 500)
	v.SetDefault("backtest.realistic.adverse_probability", 0.3)
	v.SetDefault("backtest.sizing.method", "fixed")
	v.SetDefault("backtest.sizing.kelly_fraction", 0.25)
	v.SetDefault("backtest.sizing.base_size", 100.0)
	v.SetDefault("backtest.sizing.max_size", 1000.0)
	v.SetDefault("backtest.sizing.min_size", 10.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
