package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	App      App      `mapstructure:"app"`
	Market   Market   `mapstructure:"market"`
	Screener Screener `mapstructure:"screener"`
	Trading  Trading  `mapstructure:"trading"`
	Schedule Schedule `mapstructure:"schedule"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Kafka    Kafka    `mapstructure:"kafka"`
	Metrics  Metrics  `mapstructure:"metrics"`
}

// App holds process-wide settings.
type App struct {
	Name string `mapstructure:"name"`
	// Timezone is the exchange's IANA location. Schedules and candle
	// windows are evaluated in it.
	Timezone string `mapstructure:"timezone"`
}

// Source holds the configuration of one market data API.
type Source struct {
	BaseURL        string        `mapstructure:"base_url"`
	ApiKey         string        `mapstructure:"apiKey"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// NaiveTimezone is the location assumed for timestamps that carry no offset.
	NaiveTimezone string `mapstructure:"naive_timezone"`
}

// Retry holds the bounded retry policy applied to each market data source.
type Retry struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

// Market holds the configuration for market data.
type Market struct {
	Primary      Source `mapstructure:"primary"`
	Secondary    Source `mapstructure:"secondary"`
	Retry        Retry  `mapstructure:"retry"`
	IndexSymbol  string `mapstructure:"index_symbol"`
	SymbolSuffix string `mapstructure:"symbol_suffix"`
}

// Screener holds the configuration for the candidate screener.
type Screener struct {
	URL        string        `mapstructure:"url"`
	ProcessURL string        `mapstructure:"process_url"`
	ScanClause string        `mapstructure:"scan_clause"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Trading holds the configuration for the decision rules.
type Trading struct {
	TradeCap             float64 `mapstructure:"trade_cap"`
	Currency             string  `mapstructure:"currency"`
	EntryPolicy          string  `mapstructure:"entry_policy"`
	ZeroQuantity         string  `mapstructure:"zero_quantity"`
	EMASpan              int     `mapstructure:"ema_span"`
	TrendLookbackDays    int     `mapstructure:"trend_lookback_days"`
	BreakoutBuffer       float64 `mapstructure:"breakout_buffer"`
	ProfitTargetPct      float64 `mapstructure:"profit_target_pct"`
	IntradayInterval     string  `mapstructure:"intraday_interval"`
	IntradayLookbackDays int     `mapstructure:"intraday_lookback_days"`
}

// Schedule holds "<minute> <hour> <day-of-week>" expressions for each job.
type Schedule struct {
	Shortlist     string `mapstructure:"shortlist"`
	EntryDecision string `mapstructure:"entry_decision"`
	ExitMarking   string `mapstructure:"exit_marking"`
	ExitExecution string `mapstructure:"exit_execution"`
}

// Server holds the configuration for the web server. A zero port disables it.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Kafka holds the configuration for transition events. No brokers disables publishing.
type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	// PublishTimeout bounds each transition publish so an unreachable
	// broker cannot stall a job.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// Metrics holds the prometheus settings.
type Metrics struct {
	Namespace string `mapstructure:"namespace"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "swing-trader")
	v.SetDefault("app.timezone", "Asia/Kolkata")

	v.SetDefault("market.primary.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("market.primary.timeout", 10*time.Second)
	v.SetDefault("market.primary.rate_limit", 2) // requests per second
	v.SetDefault("market.primary.rate_limit_burst", 2)
	v.SetDefault("market.secondary.base_url", "https://financialmodelingprep.com/stable")
	v.SetDefault("market.secondary.timeout", 10*time.Second)
	v.SetDefault("market.secondary.rate_limit", 2)
	v.SetDefault("market.secondary.rate_limit_burst", 2)
	v.SetDefault("market.secondary.apiKey", "")
	v.SetDefault("market.secondary.naive_timezone", "UTC")
	v.SetDefault("market.retry.max_attempts", 3)
	v.SetDefault("market.retry.delay", 1500*time.Millisecond)
	v.SetDefault("market.index_symbol", "^NSEI")
	v.SetDefault("market.symbol_suffix", ".NS")

	v.SetDefault("screener.url", "https://chartink.com/screener/")
	v.SetDefault("screener.process_url", "https://chartink.com/screener/process")
	v.SetDefault("screener.timeout", 15*time.Second)
	v.SetDefault("screener.scan_clause", "")

	v.SetDefault("trading.trade_cap", 0)
	v.SetDefault("trading.currency", "INR")
	v.SetDefault("trading.entry_policy", "breakout")
	v.SetDefault("trading.zero_quantity", "")
	v.SetDefault("trading.ema_span", 50)
	v.SetDefault("trading.trend_lookback_days", 183)
	v.SetDefault("trading.breakout_buffer", 0.002)
	v.SetDefault("trading.profit_target_pct", 6)
	v.SetDefault("trading.intraday_interval", "15m")
	v.SetDefault("trading.intraday_lookback_days", 5)

	v.SetDefault("schedule.shortlist", "0 17 *")
	v.SetDefault("schedule.entry_decision", "45 9 *")
	v.SetDefault("schedule.exit_marking", "0 18 *")
	v.SetDefault("schedule.exit_execution", "16 9 *")

	v.SetDefault("server.port", 0)
	v.SetDefault("database.dsn", "trades.db")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "trade-transitions")
	v.SetDefault("kafka.publish_timeout", 5*time.Second)
	v.SetDefault("metrics.namespace", "swing_trader")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.file", "")
}

// Validate asserts the config holds sane inputs.
func (c *Config) Validate() error {
	var errs error

	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		errs = errors.Join(errs, fmt.Errorf("app.timezone %q: %w", c.App.Timezone, err))
	}
	if c.Trading.TradeCap <= 0 {
		errs = errors.Join(errs, fmt.Errorf("trading.trade_cap must be positive"))
	}
	if c.Trading.EMASpan <= 0 {
		errs = errors.Join(errs, fmt.Errorf("trading.ema_span must be positive"))
	}
	if c.Market.Retry.MaxAttempts <= 0 {
		errs = errors.Join(errs, fmt.Errorf("market.retry.max_attempts must be positive"))
	}
	if c.Market.Primary.BaseURL == "" {
		errs = errors.Join(errs, fmt.Errorf("market.primary.base_url cannot be empty"))
	}
	if c.Screener.ScanClause == "" {
		errs = errors.Join(errs, fmt.Errorf("screener.scan_clause cannot be empty"))
	}

	return errors.Join(errs, c.ValidateStore())
}

// ValidateStore checks only what a read-only view of the trade store needs.
func (c *Config) ValidateStore() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn cannot be empty")
	}
	return nil
}

// Location loads the exchange location.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.App.Timezone)
}

// LoadConfig reads configuration from a .env file, the config file in path
// and environment variables, in increasing precedence, and validates all of it.
func LoadConfig(path string) (Config, error) {
	config, err := load(path)
	if err != nil {
		return config, err
	}
	return config, config.Validate()
}

// LoadStoreConfig reads configuration like LoadConfig but validates only the
// store settings. The decision rules, screener and market data sections may
// be incomplete.
func LoadStoreConfig(path string) (Config, error) {
	config, err := load(path)
	if err != nil {
		return config, err
	}
	return config, config.ValidateStore()
}

func load(path string) (config Config, err error) {
	if _, statErr := os.Stat(".env"); statErr == nil {
		if err = godotenv.Load(".env"); err != nil {
			return config, fmt.Errorf("loading .env file: %w", err)
		}
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("reading config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decoding config: %w", err)
	}

	return config, nil
}
