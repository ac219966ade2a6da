package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("TARGET_ADDRESS", "0x1111111111111111111111111111111111111111")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Trading.TradeAmountUSDC != 10 {
		t.Errorf("trade amount = %v, want default 10", cfg.Trading.TradeAmountUSDC)
	}
	if cfg.PollInterval() != 10*time.Second {
		t.Errorf("poll interval = %v, want 10s", cfg.PollInterval())
	}
	if cfg.API.ChainID != 137 {
		t.Errorf("chain ID = %d, want 137", cfg.API.ChainID)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	t.Setenv("TARGET_ADDRESS", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "polybot.yaml")
	yaml := `
target:
  address: "0x2222222222222222222222222222222222222222"
trading:
  trade_amount_usdc: 25
  increment_usdc: 5
poll:
  interval_sec: 3
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Target.Address != "0x2222222222222222222222222222222222222222" {
		t.Errorf("target = %s", cfg.Target.Address)
	}
	if cfg.Trading.TradeAmountUSDC != 25 {
		t.Errorf("trade amount = %v, want 25", cfg.Trading.TradeAmountUSDC)
	}
	if cfg.IncrementUSDC() != 5 {
		t.Errorf("increment = %v, want 5", cfg.IncrementUSDC())
	}
	// Unset fields still come from defaults.
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want default 3", cfg.Retry.MaxAttempts)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("TARGET_ADDRESS", "0x3333333333333333333333333333333333333333")
	t.Setenv("TRADE_AMOUNT", "50")
	t.Setenv("POLL_INTERVAL", "2")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Target.Address != "0x3333333333333333333333333333333333333333" {
		t.Errorf("target = %s", cfg.Target.Address)
	}
	if cfg.Trading.TradeAmountUSDC != 50 {
		t.Errorf("trade amount = %v, want env 50", cfg.Trading.TradeAmountUSDC)
	}
	if cfg.Poll.IntervalSec != 2 {
		t.Errorf("poll interval = %d, want env 2", cfg.Poll.IntervalSec)
	}
}

func TestValidateRequiresTarget(t *testing.T) {
	t.Setenv("TARGET_ADDRESS", "")

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error when no target address is configured")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero trade amount", func(c *Config) { c.Trading.TradeAmountUSDC = -1 }},
		{"huge slippage", func(c *Config) { c.Trading.SlippageBuffer = 0.6 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Target.Address = "0x1111111111111111111111111111111111111111"
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestIncrementFallsBackToTradeAmount(t *testing.T) {
	cfg := Default()
	cfg.Trading.TradeAmountUSDC = 12
	cfg.Trading.IncrementUSDC = 0
	if cfg.IncrementUSDC() != 12 {
		t.Errorf("increment = %v, want trade amount 12", cfg.IncrementUSDC())
	}
}
