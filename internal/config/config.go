package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"arbiter/internal/model"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Mode      string `mapstructure:"mode"` // "live" or "paper"
	LogLevel  string `mapstructure:"log_level"`
	Session   SessionConfig
	Exchanges map[string]ExchangeConfig
	Notify    NotifyConfig
	Database  DatabaseConfig
}

// SessionConfig defines the trading session parameters.
type SessionConfig struct {
	Pair               string        `mapstructure:"pair"`
	Duration           time.Duration `mapstructure:"duration"`
	CapitalUSD         float64       `mapstructure:"capital_usd"`
	MinProfitUSD       float64       `mapstructure:"min_profit_usd"`
	MinProfitPct       float64       `mapstructure:"min_profit_pct"`
	QuoteStaleness     time.Duration `mapstructure:"quote_staleness"`
	FillTimeout        time.Duration `mapstructure:"fill_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	SeedFillTimeout    time.Duration `mapstructure:"seed_fill_timeout"`
	FeedBackoffCap     time.Duration `mapstructure:"feed_backoff_cap"`
	LiquidationResidue float64       `mapstructure:"liquidation_residue"` // fraction of base left as dust
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	Fees      model.FeeRate `mapstructure:"fees"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
}

// NotifyConfig defines the notification channel settings.
type NotifyConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Events         []string `mapstructure:"events"`
	TelegramToken  string   `mapstructure:"telegram_token"`
	TelegramChatID string   `mapstructure:"telegram_chat_id"`
}

// DatabaseConfig defines the database connection settings. An empty URL
// disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

func setDefaults() {
	viper.SetDefault("mode", "paper")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("session.quote_staleness", "10s")
	viper.SetDefault("session.fill_timeout", "180s")
	viper.SetDefault("session.poll_interval", "2s")
	viper.SetDefault("session.seed_fill_timeout", "30m")
	viper.SetDefault("session.feed_backoff_cap", "5m")
	viper.SetDefault("session.liquidation_residue", 0.01)
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Mode != "live" && c.Mode != "paper" {
		return fmt.Errorf("mode must be \"live\" or \"paper\", got %q", c.Mode)
	}
	// An empty pair is allowed: the session controller discovers the widest
	// spread across common pairs at startup.
	if len(c.Exchanges) < 2 {
		return fmt.Errorf("at least two exchanges are required, got %d", len(c.Exchanges))
	}
	if c.Session.CapitalUSD <= 0 {
		return fmt.Errorf("session.capital_usd must be positive, got %v", c.Session.CapitalUSD)
	}
	if c.Session.Duration <= 0 {
		return fmt.Errorf("session.duration must be positive, got %v", c.Session.Duration)
	}
	if c.Session.MinProfitUSD < 0 || c.Session.MinProfitPct < 0 {
		return fmt.Errorf("profit thresholds must not be negative")
	}
	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be positive, got %v", c.Session.PollInterval)
	}
	if c.Session.FillTimeout < c.Session.PollInterval {
		return fmt.Errorf("session.fill_timeout (%v) must be at least session.poll_interval (%v)",
			c.Session.FillTimeout, c.Session.PollInterval)
	}
	if c.Session.LiquidationResidue < 0 || c.Session.LiquidationResidue >= 1 {
		return fmt.Errorf("session.liquidation_residue must be in [0, 1), got %v", c.Session.LiquidationResidue)
	}
	for name, ex := range c.Exchanges {
		if ex.Fees.Buy < 0 || ex.Fees.Sell < 0 {
			return fmt.Errorf("exchange %s: fee rates must not be negative", name)
		}
	}
	return nil
}

// FeeSchedule returns the per-exchange taker fee rates.
func (c *Config) FeeSchedule() map[string]model.FeeRate {
	fees := make(map[string]model.FeeRate, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		fees[name] = ex.Fees
	}
	return fees
}

// ExchangeNames returns the configured exchange identifiers.
func (c *Config) ExchangeNames() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name := range c.Exchanges {
		names = append(names, name)
	}
	return names
}
