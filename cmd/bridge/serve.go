package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"balanceBridge/internal/api"
	"balanceBridge/internal/broadcast"
	"balanceBridge/internal/chain"
	"balanceBridge/internal/config"
	"balanceBridge/internal/dispatch"
	"balanceBridge/internal/ledger"
	"balanceBridge/internal/listener"
	"balanceBridge/internal/metrics"
	"balanceBridge/internal/model"
	"balanceBridge/internal/storage"
	"balanceBridge/internal/storage/memory"
	"balanceBridge/internal/storage/postgres"
	"balanceBridge/internal/withdrawal"
)

const shutdownTimeout = 15 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var chainClient *chain.Client
	if cfg.ListenersEnabled || cfg.TokenAddress != "" {
		chainClient, err = chain.NewClient(ctx, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer chainClient.Close()

		chainID, err := chainClient.GetChainID(ctx)
		if err != nil {
			return fmt.Errorf("get chain id: %w", err)
		}
		logger.Info("rpc connected", zap.String("rpc", cfg.RPCURL), zap.String("chain_id", chainID.String()))

		if cfg.TokenAddress != "" {
			if err := applyTokenDecimals(ctx, &cfg, chainClient, logger); err != nil {
				return err
			}
		}
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.Default()
	hub := broadcast.NewHub(cfg.SessionBuffer, cfg.WSOrigins, logger.Named("broadcast"), m)

	opts := []ledger.Option{ledger.WithNotifier(hub), ledger.WithMetrics(m)}
	if cfg.PrimaryURL != "" {
		opts = append(opts, ledger.WithPrimary(ledger.NewPrimaryStrategy(ledger.PrimaryConfig{
			BaseURL: cfg.PrimaryURL,
			Secret:  cfg.InternalSecret,
			Retries: cfg.PrimaryRetries,
			Backoff: cfg.PrimaryBackoff,
		}, logger.Named("primary"))))
	}
	service := ledger.NewService(store, logger.Named("ledger"), opts...)

	signer, err := withdrawal.NewSigner(cfg.SignerKey)
	if err != nil {
		return err
	}
	if signer == nil {
		logger.Warn("signer key not configured, withdrawal authorization disabled")
	}
	authorizer := withdrawal.NewAuthorizer(store, signer, cfg.TokenDecimals, logger.Named("withdrawal"))

	var supervisor *listener.Supervisor
	if chainClient != nil && cfg.ListenersEnabled {
		supervisor, err = buildSupervisor(cfg, store, chainClient, logger, m)
		if err != nil {
			return err
		}
	}

	apiCfg := api.Config{
		Processor:      service,
		Authorizer:     authorizer,
		Store:          store,
		Hub:            hub,
		Metrics:        m,
		Logger:         logger.Named("http"),
		InternalSecret: cfg.InternalSecret,
		AuthorizeRPS:   cfg.AuthorizeRPS,
		AuthorizeBurst: cfg.AuthorizeBurst,
		TrustedProxies: cfg.TrustedProxies,
	}
	if supervisor != nil {
		apiCfg.Listeners = supervisor
	}
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(apiCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server start", zap.String("listen", cfg.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if supervisor != nil {
		if err := supervisor.StartAll(ctx); err != nil {
			shutdownServer(server, logger)
			return fmt.Errorf("start listeners: %w", err)
		}
	}

	logger.Info("bridge running",
		zap.String("store", cfg.Store),
		zap.Bool("listeners", cfg.ListenersEnabled),
		zap.Bool("primary", cfg.PrimaryURL != ""),
		zap.Bool("signer", signer != nil),
	)

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok && err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	if supervisor != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := supervisor.Shutdown(shutdownCtx); err != nil {
			logger.Warn("listener shutdown incomplete", zap.Error(err))
		}
		cancel()
	}
	shutdownServer(server, logger)
	logger.Info("bridge stopped")
	return nil
}

func buildSupervisor(cfg config.Config, store storage.Store, source *chain.Client, logger *zap.Logger, m *metrics.Metrics) (*listener.Supervisor, error) {
	reader := chain.NewReader(source, logger.Named("chain"))
	dispatcher := dispatch.NewClient(dispatch.Config{
		BaseURL:  cfg.InternalURL,
		Secret:   cfg.InternalSecret,
		Retries:  cfg.DispatchRetries,
		Backoff:  cfg.DispatchBackoff,
		Decimals: cfg.TokenDecimals,
	}, logger.Named("dispatch"))

	var cursor listener.Cursor = listener.NewStoreCursor(store)
	if cfg.CheckpointDir != "" {
		cursor = listener.NewMirroredCursor(cursor, listener.NewFileCursor(cfg.CheckpointDir))
	}

	listenerCfg := listener.Config{
		Confirmations: cfg.Confirmations,
		BatchSize:     cfg.BatchSize,
		PollInterval:  cfg.PollInterval,
		StartBlock:    cfg.StartBlock,
		DedupSize:     cfg.DedupSize,
	}

	targets := []struct {
		kind    model.ContractKind
		address string
		event   string
	}{
		{model.ContractDeposit, cfg.DepositAddress, cfg.DepositEvent},
		{model.ContractWithdrawal, cfg.WithdrawalAddress, cfg.WithdrawalEvent},
		{model.ContractFaucet, cfg.FaucetAddress, cfg.FaucetEvent},
	}
	listeners := make([]*listener.Listener, 0, len(targets))
	for _, target := range targets {
		contract, err := chain.NewContract(target.kind, target.address, target.event)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, listener.New(contract, reader, dispatcher, cursor, listenerCfg, logger.Named("listener"), m))
	}
	return listener.NewSupervisor(listeners, cfg.RestartDelay, logger.Named("supervisor"), m), nil
}

// applyTokenDecimals replaces the configured decimals with the token's own.
func applyTokenDecimals(ctx context.Context, cfg *config.Config, caller chain.ContractCaller, logger *zap.Logger) error {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return fmt.Errorf("invalid token address %q", cfg.TokenAddress)
	}
	meta, err := chain.FetchTokenMeta(ctx, caller, common.HexToAddress(cfg.TokenAddress))
	if err != nil {
		return fmt.Errorf("token metadata: %w", err)
	}
	if int32(meta.Decimals) != cfg.TokenDecimals {
		logger.Info("token decimals from chain",
			zap.String("token", meta.Address),
			zap.String("symbol", meta.Symbol),
			zap.Uint8("decimals", meta.Decimals),
			zap.Int32("configured", cfg.TokenDecimals),
		)
	}
	cfg.TokenDecimals = int32(meta.Decimals)
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, func(), error) {
	switch cfg.Store {
	case "memory":
		return memory.NewStore(), func() {}, nil
	default:
		pg, err := postgres.NewStore(ctx, cfg.PGDSN, cfg.TxTimeout)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
}

func shutdownServer(server *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
}
