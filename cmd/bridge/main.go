package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "bridge",
		Short:        "On-chain to off-chain balance bridge",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the contract listeners",
		RunE:  runServe,
	}

	serveCmd.Flags().String("rpc", "", "JSON-RPC URL")
	serveCmd.Flags().Uint64("confirmations", 3, "blocks required on top of an event before it is processed")
	serveCmd.Flags().Uint64("batch-size", 2000, "blocks per eth_getLogs request")
	serveCmd.Flags().Duration("poll-interval", 4*time.Second, "listener poll interval")
	serveCmd.Flags().Duration("restart-delay", 5*time.Second, "delay before restarting a failed listener")
	serveCmd.Flags().Uint64("start-block", 0, "first block when no cursor exists, 0 means current safe head")
	serveCmd.Flags().Int("dedup-size", 10000, "recently processed events remembered per listener")
	serveCmd.Flags().Bool("listeners-enabled", true, "run the contract listeners")
	serveCmd.Flags().String("deposit-address", "", "deposit contract address")
	serveCmd.Flags().String("withdrawal-address", "", "withdrawal contract address")
	serveCmd.Flags().String("faucet-address", "", "faucet contract address")
	serveCmd.Flags().String("deposit-event", "", "deposit event name (default Deposited)")
	serveCmd.Flags().String("withdrawal-event", "", "withdrawal event name (default Withdrawn)")
	serveCmd.Flags().String("faucet-event", "", "faucet event name (default TokensClaimed)")
	serveCmd.Flags().String("checkpoint-dir", "", "optional directory mirroring listener cursors as JSON files")
	serveCmd.Flags().String("store", "postgres", "ledger store (postgres, memory)")
	serveCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	serveCmd.Flags().Duration("tx-timeout", 10*time.Second, "maximum duration of a ledger transaction")
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().String("internal-url", "", "base URL listeners use to reach the internal endpoints")
	serveCmd.Flags().String("internal-secret", "", "shared secret for the internal endpoints")
	serveCmd.Flags().Int("dispatch-retries", 3, "retries for internal endpoint delivery")
	serveCmd.Flags().Duration("dispatch-backoff", time.Second, "initial backoff for internal endpoint delivery")
	serveCmd.Flags().String("primary-url", "", "optional primary processing service base URL")
	serveCmd.Flags().Int("primary-retries", 3, "retries against the primary service")
	serveCmd.Flags().Duration("primary-backoff", 500*time.Millisecond, "linear backoff step for the primary service")
	serveCmd.Flags().StringSlice("ws-origins", nil, "allowed WebSocket origin patterns (comma-separated)")
	serveCmd.Flags().Int("session-buffer", 16, "queued notifications per WebSocket session")
	serveCmd.Flags().String("signer-key", "", "hex private key used to sign withdrawal authorizations")
	serveCmd.Flags().Int32("token-decimals", 18, "token decimals for base unit conversion")
	serveCmd.Flags().String("token-address", "", "optional ERC-20 address; its decimals() overrides token-decimals")
	serveCmd.Flags().Float64("authorize-rps", 5, "withdrawal authorizations per second per client")
	serveCmd.Flags().Int("authorize-burst", 10, "withdrawal authorization burst per client")
	serveCmd.Flags().StringSlice("trusted-proxies", nil, "proxy IPs or CIDRs whose X-Forwarded-For is honoured")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger schema in Postgres",
		RunE:  runMigrate,
	}

	migrateCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	migrateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(migrateCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify-signature",
		Short: "Recover the signer of a withdrawal authorization",
		RunE:  runVerify,
	}

	verifyCmd.Flags().String("player", "", "player address")
	verifyCmd.Flags().String("amount", "", "amount in token units")
	verifyCmd.Flags().String("final-balance", "", "final balance in token units")
	verifyCmd.Flags().Uint64("nonce", 0, "authorization nonce")
	verifyCmd.Flags().String("signature", "", "0x-prefixed 65-byte signature")
	verifyCmd.Flags().String("expect", "", "expected signer address (defaults to the configured signer key)")
	verifyCmd.Flags().String("signer-key", "", "hex private key used to derive the expected signer")
	verifyCmd.Flags().Int32("token-decimals", 18, "token decimals for base unit conversion")

	root.AddCommand(verifyCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
