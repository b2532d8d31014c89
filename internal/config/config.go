package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel string

	// Chain reader and listeners.
	RPCURL            string
	Confirmations     uint64
	BatchSize         uint64
	PollInterval      time.Duration
	RestartDelay      time.Duration
	StartBlock        uint64
	DedupSize         int
	ListenersEnabled  bool
	DepositAddress    string
	WithdrawalAddress string
	FaucetAddress     string
	DepositEvent      string
	WithdrawalEvent   string
	FaucetEvent       string
	CheckpointDir     string

	// Ledger store.
	Store     string
	PGDSN     string
	TxTimeout time.Duration

	// HTTP surface and internal dispatch.
	Listen          string
	InternalURL     string
	InternalSecret  string
	DispatchRetries int
	DispatchBackoff time.Duration
	PrimaryURL      string
	PrimaryRetries  int
	PrimaryBackoff  time.Duration
	WSOrigins       []string
	SessionBuffer   int

	// Withdrawal authorizer.
	SignerKey      string
	TokenAddress   string
	TokenDecimals  int32
	AuthorizeRPS   float64
	AuthorizeBurst int
	TrustedProxies []string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("confirmations", uint64(3))
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("poll-interval", 4*time.Second)
	v.SetDefault("restart-delay", 5*time.Second)
	v.SetDefault("dedup-size", 10000)
	v.SetDefault("listeners-enabled", true)
	v.SetDefault("store", "postgres")
	v.SetDefault("tx-timeout", 10*time.Second)
	v.SetDefault("listen", ":8080")
	v.SetDefault("dispatch-retries", 3)
	v.SetDefault("dispatch-backoff", time.Second)
	v.SetDefault("primary-retries", 3)
	v.SetDefault("primary-backoff", 500*time.Millisecond)
	v.SetDefault("session-buffer", 16)
	v.SetDefault("token-decimals", 18)
	v.SetDefault("authorize-rps", 5.0)
	v.SetDefault("authorize-burst", 10)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		LogLevel:          v.GetString("log-level"),
		RPCURL:            v.GetString("rpc"),
		Confirmations:     v.GetUint64("confirmations"),
		BatchSize:         v.GetUint64("batch-size"),
		PollInterval:      v.GetDuration("poll-interval"),
		RestartDelay:      v.GetDuration("restart-delay"),
		StartBlock:        v.GetUint64("start-block"),
		DedupSize:         v.GetInt("dedup-size"),
		ListenersEnabled:  v.GetBool("listeners-enabled"),
		DepositAddress:    v.GetString("deposit-address"),
		WithdrawalAddress: v.GetString("withdrawal-address"),
		FaucetAddress:     v.GetString("faucet-address"),
		DepositEvent:      v.GetString("deposit-event"),
		WithdrawalEvent:   v.GetString("withdrawal-event"),
		FaucetEvent:       v.GetString("faucet-event"),
		CheckpointDir:     v.GetString("checkpoint-dir"),
		Store:             strings.ToLower(v.GetString("store")),
		PGDSN:             v.GetString("pg-dsn"),
		TxTimeout:         v.GetDuration("tx-timeout"),
		Listen:            v.GetString("listen"),
		InternalURL:       v.GetString("internal-url"),
		InternalSecret:    v.GetString("internal-secret"),
		DispatchRetries:   v.GetInt("dispatch-retries"),
		DispatchBackoff:   v.GetDuration("dispatch-backoff"),
		PrimaryURL:        v.GetString("primary-url"),
		PrimaryRetries:    v.GetInt("primary-retries"),
		PrimaryBackoff:    v.GetDuration("primary-backoff"),
		WSOrigins:         getStringSlice(v, "ws-origins"),
		SessionBuffer:     v.GetInt("session-buffer"),
		SignerKey:         v.GetString("signer-key"),
		TokenAddress:      v.GetString("token-address"),
		TokenDecimals:     v.GetInt32("token-decimals"),
		AuthorizeRPS:      v.GetFloat64("authorize-rps"),
		AuthorizeBurst:    v.GetInt("authorize-burst"),
		TrustedProxies:    getStringSlice(v, "trusted-proxies"),
	}

	if cfg.InternalURL == "" {
		cfg.InternalURL = selfURL(cfg.Listen)
	}

	return cfg, nil
}

// Validate checks settings that the server cannot start without.
func (c Config) Validate() error {
	if c.InternalSecret == "" {
		return fmt.Errorf("internal secret is required")
	}
	switch c.Store {
	case "postgres":
		if c.PGDSN == "" {
			return fmt.Errorf("pg dsn is required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		return fmt.Errorf("token decimals out of range: %d", c.TokenDecimals)
	}
	for _, proxy := range c.TrustedProxies {
		if net.ParseIP(proxy) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return fmt.Errorf("invalid trusted proxy %q", proxy)
		}
	}
	if c.TokenAddress != "" && c.RPCURL == "" {
		return fmt.Errorf("rpc url is required to read token metadata")
	}
	if !c.ListenersEnabled {
		return nil
	}
	if c.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	for name, addr := range map[string]string{
		"deposit-address":    c.DepositAddress,
		"withdrawal-address": c.WithdrawalAddress,
		"faucet-address":     c.FaucetAddress,
	} {
		if addr == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

func selfURL(listen string) string {
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
