package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/roundup-engine/internal/interval"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Brokerage  BrokerageConfig  `mapstructure:"brokerage"`
	Prices     PricesConfig     `mapstructure:"prices"`
	Deposit    DepositConfig    `mapstructure:"deposit"`
	Invest     InvestConfig     `mapstructure:"invest"`
	Cashback   CashbackConfig   `mapstructure:"cashback"`
	Valuation  ValuationConfig  `mapstructure:"valuation"`
	Cron       CronConfig       `mapstructure:"cron"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// DBConfig selects the store. An empty URL runs on the in-memory store.
type DBConfig struct {
	URL        string `mapstructure:"url"`
	SecretName string `mapstructure:"secret_name"`
}

type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	LockWait time.Duration `mapstructure:"lock_wait"`
}

type AggregatorConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	ClientID string        `mapstructure:"client_id"`
	Secret   string        `mapstructure:"secret"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type BrokerageConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PricesConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Symbols   []string      `mapstructure:"symbols"`
	Intervals []string      `mapstructure:"intervals"`
}

type DepositConfig struct {
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
	RecoveryWindow  time.Duration `mapstructure:"recovery_window"`
	MonthlyLimit    string        `mapstructure:"monthly_limit"`
	LimitWindow     time.Duration `mapstructure:"limit_window"`
}

type InvestConfig struct {
	DuplicateWindow      time.Duration `mapstructure:"duplicate_window"`
	RecoveryWindow       time.Duration `mapstructure:"recovery_window"`
	DefaultSymbol        string        `mapstructure:"default_symbol"`
	DefaultScalingFactor string        `mapstructure:"default_scaling_factor"`
}

type CashbackConfig struct {
	Keywords []string `mapstructure:"keywords"`
}

type ValuationConfig struct {
	Interval         string `mapstructure:"interval"`
	MaxLookbackYears int    `mapstructure:"max_lookback_years"`
}

type CronConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	CashbackSync   string `mapstructure:"cashback_sync"`
	AutoDeposit    string `mapstructure:"auto_deposit"`
	DepositRefresh string `mapstructure:"deposit_refresh"`
	OrderRefresh   string `mapstructure:"order_refresh"`
	PriceRefresh   string `mapstructure:"price_refresh"`
	PricePrune     string `mapstructure:"price_prune"`
	Valuation      string `mapstructure:"valuation"`
}

// Load reads path (YAML) unless envOnly, then applies ROUNDUP_ environment
// overrides on top of the defaults.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ROUNDUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultPath is read when ROUNDUP_CONFIG is unset.
const DefaultPath = "config/config.yaml"

// LoadFromEnv loads from ROUNDUP_CONFIG, or DefaultPath when that exists.
// ROUNDUP_ENV_ONLY=true skips the file entirely.
func LoadFromEnv() (Config, error) {
	envOnly := false
	if raw := os.Getenv("ROUNDUP_ENV_ONLY"); raw != "" {
		envOnly = strings.EqualFold(raw, "true") || raw == "1"
	}
	path := os.Getenv("ROUNDUP_CONFIG")
	if path == "" {
		path = DefaultPath
		if _, err := os.Stat(path); err != nil {
			envOnly = true
		}
	}
	return Load(path, envOnly)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
	v.SetDefault("db.url", "")
	v.SetDefault("db.secret_name", "roundup/database")
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.mount", "secret")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("redis.lock_ttl", "2m")
	v.SetDefault("redis.lock_wait", "0s")
	v.SetDefault("aggregator.base_url", "https://production.plaid.com")
	v.SetDefault("aggregator.client_id", "")
	v.SetDefault("aggregator.secret", "")
	v.SetDefault("aggregator.timeout", "15s")
	v.SetDefault("brokerage.base_url", "https://api.robinhood.com")
	v.SetDefault("brokerage.timeout", "15s")
	v.SetDefault("prices.base_url", "")
	v.SetDefault("prices.api_key", "")
	v.SetDefault("prices.timeout", "15s")
	v.SetDefault("prices.symbols", []string{"VTI"})
	v.SetDefault("prices.intervals", []string{"1d"})
	v.SetDefault("deposit.duplicate_window", "120h")
	v.SetDefault("deposit.recovery_window", "15m")
	v.SetDefault("deposit.monthly_limit", "1000")
	v.SetDefault("deposit.limit_window", "720h")
	v.SetDefault("invest.duplicate_window", "120h")
	v.SetDefault("invest.recovery_window", "15m")
	v.SetDefault("invest.default_symbol", "VTI")
	v.SetDefault("invest.default_scaling_factor", "1")
	v.SetDefault("cashback.keywords", []string{"cashback", "cash back", "reward", "redemption"})
	v.SetDefault("valuation.interval", "1d")
	v.SetDefault("valuation.max_lookback_years", 5)
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.cashback_sync", "0 0 */6 * * *")
	v.SetDefault("cron.auto_deposit", "0 30 9 * * *")
	v.SetDefault("cron.deposit_refresh", "0 */15 * * * *")
	v.SetDefault("cron.order_refresh", "0 */5 * * * *")
	v.SetDefault("cron.price_refresh", "0 0 22 * * *")
	v.SetDefault("cron.price_prune", "0 0 3 * * 0")
	v.SetDefault("cron.valuation", "0 30 22 * * *")
}

// Validate checks the values the services parse further.
func (c Config) Validate() error {
	var errs []error
	if _, err := decimal.NewFromString(c.Deposit.MonthlyLimit); err != nil {
		errs = append(errs, fmt.Errorf("deposit.monthly_limit: %w", err))
	}
	if f, err := decimal.NewFromString(c.Invest.DefaultScalingFactor); err != nil {
		errs = append(errs, fmt.Errorf("invest.default_scaling_factor: %w", err))
	} else if !f.IsPositive() {
		errs = append(errs, errors.New("invest.default_scaling_factor: must be positive"))
	}
	if _, err := interval.Parse(c.Valuation.Interval); err != nil {
		errs = append(errs, fmt.Errorf("valuation.interval: %w", err))
	}
	for _, s := range c.Prices.Intervals {
		if _, err := interval.Parse(s); err != nil {
			errs = append(errs, fmt.Errorf("prices.intervals: %w", err))
		}
	}
	if c.Vault.Enabled && c.DB.URL == "" {
		errs = append(errs, errors.New("vault.enabled requires db.url"))
	}
	return errors.Join(errs...)
}

// Limit is the parsed default deposit cap.
func (c DepositConfig) Limit() decimal.Decimal {
	return decimal.RequireFromString(c.MonthlyLimit)
}

// ScalingFactor is the parsed default order scaling factor.
func (c InvestConfig) ScalingFactor() decimal.Decimal {
	return decimal.RequireFromString(c.DefaultScalingFactor)
}

// PriceIntervals returns the parsed refresh intervals.
func (c PricesConfig) PriceIntervals() []interval.Interval {
	out := make([]interval.Interval, 0, len(c.Intervals))
	for _, s := range c.Intervals {
		out = append(out, interval.MustParse(s))
	}
	return out
}

// SnapshotInterval returns the parsed valuation interval.
func (c ValuationConfig) SnapshotInterval() interval.Interval {
	return interval.MustParse(c.Interval)
}
