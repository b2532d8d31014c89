package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RestartDelay != 5*time.Second {
		t.Fatalf("restart delay default: %s", cfg.RestartDelay)
	}
	if cfg.Store != "postgres" || cfg.TokenDecimals != 18 {
		t.Fatalf("defaults mismatch: %+v", cfg)
	}
	if cfg.InternalURL != "http://127.0.0.1:8080" {
		t.Fatalf("internal url should default to the listen address: %s", cfg.InternalURL)
	}
}

func TestLoadFlagsAndEnv(t *testing.T) {
	t.Setenv("BRIDGE_INTERNAL_SECRET", "s3cret")
	t.Setenv("BRIDGE_WS_ORIGINS", "app.example.com, ,localhost:3000")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("store", "postgres", "")
	flags.Uint64("confirmations", 3, "")
	if err := flags.Parse([]string{"--store=MEMORY", "--confirmations=12"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg, err := Load("", flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "memory" || cfg.Confirmations != 12 {
		t.Fatalf("flag values not applied: %+v", cfg)
	}
	if cfg.InternalSecret != "s3cret" {
		t.Fatalf("env value not applied: %q", cfg.InternalSecret)
	}
	if len(cfg.WSOrigins) != 2 || cfg.WSOrigins[1] != "localhost:3000" {
		t.Fatalf("origins mismatch: %v", cfg.WSOrigins)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	content := "rpc: http://node:8545\ndeposit-address: \"0x1\"\nbatch-size: 50\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCURL != "http://node:8545" || cfg.BatchSize != 50 || cfg.DepositAddress != "0x1" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{Store: "memory", InternalSecret: "x", TokenDecimals: 18}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("listeners disabled config should validate: %v", err)
	}

	cfg.ListenersEnabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing rpc error")
	}

	cfg.RPCURL = "http://node"
	cfg.BatchSize = 10
	cfg.DepositAddress = "0x1"
	cfg.WithdrawalAddress = "0x2"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing faucet address error")
	}
	cfg.FaucetAddress = "0x3"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.TrustedProxies = []string{"10.0.0.1", "172.16.0.0/12"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("trusted proxies should validate: %v", err)
	}
	cfg.TrustedProxies = []string{"proxy.local"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid trusted proxy error")
	}
	cfg.TrustedProxies = nil

	cfg.Store = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}
