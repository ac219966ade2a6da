package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TargetConfig identifies the wallet being mirrored.
type TargetConfig struct {
	Address string `yaml:"address"`
}

// TradingConfig controls sizing of copied orders.
type TradingConfig struct {
	TradeAmountUSDC float64 `yaml:"trade_amount_usdc"` // fixed copy unit per open
	IncrementUSDC   float64 `yaml:"increment_usdc"`    // scale-in unit; 0 = reuse trade amount
	MinOrderUSDC    float64 `yaml:"min_order_usdc"`
	SlippageBuffer  float64 `yaml:"slippage_buffer"` // 0.02 = 2% limit price buffer
}

// PollConfig controls the activity feed polling cadence.
type PollConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	PageLimit   int `yaml:"page_limit"` // records per feed request
	MaxPages    int `yaml:"max_pages"`  // cap on pages walked per cycle
}

// RetryConfig bounds order execution retries.
type RetryConfig struct {
	MaxAttempts       int `yaml:"max_attempts"`
	BackoffBaseMS     int `yaml:"backoff_base_ms"`
	BackoffMaxMS      int `yaml:"backoff_max_ms"`
	FillPollMS        int `yaml:"fill_poll_ms"`         // order status polling interval
	FillTimeoutSec    int `yaml:"fill_timeout_sec"`     // how long to wait for a fill per attempt
	ExecuteTimeoutSec int `yaml:"execute_timeout_sec"`  // overall budget per action
}

// WorkersConfig bounds concurrency across markets.
type WorkersConfig struct {
	PoolSize int `yaml:"pool_size"`
}

// ServerConfig controls the read-only status HTTP server.
type ServerConfig struct {
	Port           int `yaml:"port"`
	ReadTimeoutMS  int `yaml:"read_timeout_ms"`
	WriteTimeoutMS int `yaml:"write_timeout_ms"`
}

// APIConfig holds exchange endpoints.
type APIConfig struct {
	DataAPIURL string `yaml:"data_api_url"`
	ClobURL    string `yaml:"clob_url"`
	ChainID    int64  `yaml:"chain_id"`
}

// Config aggregates all knobs. Loaded once at startup, immutable afterwards.
type Config struct {
	Target  TargetConfig  `yaml:"target"`
	Trading TradingConfig `yaml:"trading"`
	Poll    PollConfig    `yaml:"poll"`
	Retry   RetryConfig   `yaml:"retry"`
	Workers WorkersConfig `yaml:"workers"`
	Server  ServerConfig  `yaml:"server"`
	API     APIConfig     `yaml:"api"`
}

// Load reads configuration from disk, merges defaults and environment
// overrides. Secrets (private key, DB credentials) stay in the environment
// and are read by the packages that need them.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Trading: TradingConfig{
			TradeAmountUSDC: 10,
			MinOrderUSDC:    1,
			SlippageBuffer:  0.02,
		},
		Poll: PollConfig{
			IntervalSec: 10,
			PageLimit:   100,
			MaxPages:    5,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffBaseMS:     500,
			BackoffMaxMS:      8000,
			FillPollMS:        1000,
			FillTimeoutSec:    20,
			ExecuteTimeoutSec: 120,
		},
		Workers: WorkersConfig{
			PoolSize: 4,
		},
		Server: ServerConfig{
			Port:           8081,
			ReadTimeoutMS:  10000,
			WriteTimeoutMS: 10000,
		},
		API: APIConfig{
			DataAPIURL: "https://data-api.polymarket.com",
			ClobURL:    "https://clob.polymarket.com",
			ChainID:    137, // Polygon mainnet
		},
	}
}

// Validate rejects configurations the bot cannot start with.
func (c *Config) Validate() error {
	if c.Target.Address == "" {
		return errors.New("config: target address is required (target.address or TARGET_ADDRESS)")
	}
	if c.Trading.TradeAmountUSDC <= 0 {
		return errors.New("config: trade_amount_usdc must be positive")
	}
	if c.Trading.SlippageBuffer < 0 || c.Trading.SlippageBuffer >= 0.5 {
		return fmt.Errorf("config: slippage_buffer %.3f out of range [0, 0.5)", c.Trading.SlippageBuffer)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("config: retry max_attempts must be at least 1")
	}
	return nil
}

// PollInterval returns the poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSec) * time.Second
}

// IncrementUSDC returns the scale-in unit, falling back to the copy unit.
func (c *Config) IncrementUSDC() float64 {
	if c.Trading.IncrementUSDC > 0 {
		return c.Trading.IncrementUSDC
	}
	return c.Trading.TradeAmountUSDC
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Trading.TradeAmountUSDC == 0 {
		c.Trading.TradeAmountUSDC = def.Trading.TradeAmountUSDC
	}
	if c.Trading.MinOrderUSDC == 0 {
		c.Trading.MinOrderUSDC = def.Trading.MinOrderUSDC
	}
	if c.Trading.SlippageBuffer == 0 {
		c.Trading.SlippageBuffer = def.Trading.SlippageBuffer
	}
	if c.Poll.IntervalSec == 0 {
		c.Poll.IntervalSec = def.Poll.IntervalSec
	}
	if c.Poll.PageLimit == 0 {
		c.Poll.PageLimit = def.Poll.PageLimit
	}
	if c.Poll.MaxPages == 0 {
		c.Poll.MaxPages = def.Poll.MaxPages
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.BackoffBaseMS == 0 {
		c.Retry.BackoffBaseMS = def.Retry.BackoffBaseMS
	}
	if c.Retry.BackoffMaxMS == 0 {
		c.Retry.BackoffMaxMS = def.Retry.BackoffMaxMS
	}
	if c.Retry.FillPollMS == 0 {
		c.Retry.FillPollMS = def.Retry.FillPollMS
	}
	if c.Retry.FillTimeoutSec == 0 {
		c.Retry.FillTimeoutSec = def.Retry.FillTimeoutSec
	}
	if c.Retry.ExecuteTimeoutSec == 0 {
		c.Retry.ExecuteTimeoutSec = def.Retry.ExecuteTimeoutSec
	}
	if c.Workers.PoolSize == 0 {
		c.Workers.PoolSize = def.Workers.PoolSize
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = def.Server.ReadTimeoutMS
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = def.Server.WriteTimeoutMS
	}
	if c.API.DataAPIURL == "" {
		c.API.DataAPIURL = def.API.DataAPIURL
	}
	if c.API.ClobURL == "" {
		c.API.ClobURL = def.API.ClobURL
	}
	if c.API.ChainID == 0 {
		c.API.ChainID = def.API.ChainID
	}
}

// applyEnv lets the operator override the file without editing it.
func (c *Config) applyEnv() {
	if v := os.Getenv("TARGET_ADDRESS"); v != "" {
		c.Target.Address = v
	}
	if v := os.Getenv("TRADE_AMOUNT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Trading.TradeAmountUSDC = f
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Poll.IntervalSec = n
		}
	}
	if v := os.Getenv("POLYMARKET_API_URL"); v != "" {
		c.API.ClobURL = v
	}
	if v := os.Getenv("POLYMARKET_DATA_API_URL"); v != "" {
		c.API.DataAPIURL = v
	}
}
