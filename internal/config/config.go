// Package config defines all configuration for the StrateQueue daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SQ_* environment variables and the
// user-owned credentials file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Logging LoggingConfig `mapstructure:"logging"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Data    DataConfig    `mapstructure:"data"`
	Brokers BrokersConfig `mapstructure:"brokers"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// HTTPConfig controls the control-plane HTTP server.
type HTTPConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RuntimeConfig tunes the live trading runtime.
//
//   - EvaluatorTimeout: hard cap on a single evaluator call.
//   - BrokerTimeout: hard cap on a single broker RPC.
//   - WarmupTimeout: max time a runner may stay INITIALIZING.
//   - SettleDelay: wait after a bar boundary before ticking, so the
//     provider can deliver the closing bar.
//   - MaxConsecutiveErrors: strategy errors in a row before ERRORED.
//   - FillPollInterval: gateway polling cadence for working orders.
//   - ReconcileInterval: periodic sweep against the broker's order state.
//   - OrderRetention: how long terminal orders stay queryable in the gateway.
type RuntimeConfig struct {
	EvaluatorTimeout     time.Duration `mapstructure:"evaluator_timeout"`
	BrokerTimeout        time.Duration `mapstructure:"broker_timeout"`
	WarmupTimeout        time.Duration `mapstructure:"warmup_timeout"`
	SettleDelay          time.Duration `mapstructure:"settle_delay"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	FillPollInterval     time.Duration `mapstructure:"fill_poll_interval"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
	OrderRetention       time.Duration `mapstructure:"order_retention"`
}

// DataConfig holds per-provider data source settings.
type DataConfig struct {
	Alpaca AlpacaDataConfig `mapstructure:"alpaca"`
	Sim    SimDataConfig    `mapstructure:"sim"`
}

// AlpacaDataConfig configures the Alpaca market-data provider. Paper selects
// the free IEX feed; live requires a SIP subscription.
type AlpacaDataConfig struct {
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	Paper     bool   `mapstructure:"paper"`
	BaseURL   string `mapstructure:"base_url"`
	StreamURL string `mapstructure:"stream_url"`
}

// SimDataConfig configures the deterministic simulated provider used for
// demos and tests.
type SimDataConfig struct {
	Seed       int64   `mapstructure:"seed"`
	StartPrice float64 `mapstructure:"start_price"`
	Drift      float64 `mapstructure:"drift"`
	Volatility float64 `mapstructure:"volatility"`
}

// BrokersConfig holds per-broker execution settings.
type BrokersConfig struct {
	Alpaca AlpacaBrokerConfig `mapstructure:"alpaca"`
	Paper  PaperBrokerConfig  `mapstructure:"paper"`
}

// AlpacaBrokerConfig configures the Alpaca trading adapter. PaperURL and
// LiveURL encode the paper/live split; the mode of the owning strategy picks
// which instance it talks to.
type AlpacaBrokerConfig struct {
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	PaperURL  string `mapstructure:"paper_url"`
	LiveURL   string `mapstructure:"live_url"`
}

// PaperBrokerConfig configures the in-process paper broker simulator.
type PaperBrokerConfig struct {
	InitialCash float64 `mapstructure:"initial_cash"`
	SlippageBps int     `mapstructure:"slippage_bps"`
	FeeBps      int     `mapstructure:"fee_bps"`
}

// Load reads config from a YAML file with env var overrides, then applies
// the credentials file on top (credentials win over YAML, env wins over
// both, matching how the settings were layered in the original daemon).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyCredentials()
	cfg.applyEnv()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.port", 8400)
	v.SetDefault("runtime.evaluator_timeout", 5*time.Second)
	v.SetDefault("runtime.broker_timeout", 10*time.Second)
	v.SetDefault("runtime.warmup_timeout", 60*time.Second)
	v.SetDefault("runtime.settle_delay", 2*time.Second)
	v.SetDefault("runtime.max_consecutive_errors", 5)
	v.SetDefault("runtime.fill_poll_interval", time.Second)
	v.SetDefault("runtime.reconcile_interval", 30*time.Second)
	v.SetDefault("runtime.order_retention", 15*time.Minute)
	v.SetDefault("data.alpaca.base_url", "https://data.alpaca.markets")
	v.SetDefault("data.alpaca.stream_url", "wss://stream.data.alpaca.markets/v2/iex")
	v.SetDefault("data.alpaca.paper", true)
	v.SetDefault("data.sim.start_price", 100.0)
	v.SetDefault("data.sim.volatility", 0.02)
	v.SetDefault("brokers.alpaca.paper_url", "https://paper-api.alpaca.markets")
	v.SetDefault("brokers.alpaca.live_url", "https://api.alpaca.markets")
	v.SetDefault("brokers.paper.initial_cash", 100000.0)
	v.SetDefault("brokers.paper.slippage_bps", 0)
	v.SetDefault("brokers.paper.fee_bps", 0)
}

// applyCredentials layers values from the 0600 credentials file over the
// YAML config. Missing file is fine.
func (c *Config) applyCredentials() {
	creds, err := LoadCredentials(CredentialsPath(c.DataDir))
	if err != nil {
		return
	}
	if k := creds["alpaca_api_key"]; k != "" {
		c.Data.Alpaca.APIKey = k
		c.Brokers.Alpaca.APIKey = k
	}
	if s := creds["alpaca_secret_key"]; s != "" {
		c.Data.Alpaca.SecretKey = s
		c.Brokers.Alpaca.SecretKey = s
	}
}

// applyEnv applies SQ_* overrides for secrets on top of everything else.
func (c *Config) applyEnv() {
	if k := os.Getenv("SQ_ALPACA_API_KEY"); k != "" {
		c.Data.Alpaca.APIKey = k
		c.Brokers.Alpaca.APIKey = k
	}
	if s := os.Getenv("SQ_ALPACA_SECRET_KEY"); s != "" {
		c.Data.Alpaca.SecretKey = s
		c.Brokers.Alpaca.SecretKey = s
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("http.port must be in (0, 65535], got %d", c.HTTP.Port)
	}
	if c.Runtime.EvaluatorTimeout <= 0 {
		return fmt.Errorf("runtime.evaluator_timeout must be > 0")
	}
	if c.Runtime.BrokerTimeout <= 0 {
		return fmt.Errorf("runtime.broker_timeout must be > 0")
	}
	if c.Runtime.WarmupTimeout <= 0 {
		return fmt.Errorf("runtime.warmup_timeout must be > 0")
	}
	if c.Runtime.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("runtime.max_consecutive_errors must be > 0")
	}
	if c.Runtime.FillPollInterval <= 0 {
		return fmt.Errorf("runtime.fill_poll_interval must be > 0")
	}
	if c.Brokers.Paper.InitialCash <= 0 {
		return fmt.Errorf("brokers.paper.initial_cash must be > 0")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stratequeue"
	}
	return home + "/.stratequeue"
}
