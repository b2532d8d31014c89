// Package listener polls the watched contracts and hands every new event to
// the internal processing endpoint. A Supervisor owns the listener lifecycle.
package listener

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"go.uber.org/zap"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/chain"
	"balanceBridge/internal/metrics"
	"balanceBridge/internal/model"
)

const maxBatchesPerPoll = 20

// EventSource is the chain reader surface a listener polls.
type EventSource interface {
	EnsureDeployed(ctx context.Context, contract chain.Contract) error
	SafeHead(ctx context.Context, confirmations uint64) (uint64, bool, error)
	PollEvents(ctx context.Context, contract chain.Contract, fromBlock, toBlock uint64) ([]model.ChainEvent, error)
}

// Dispatcher delivers one event to the processing endpoint.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.ChainEvent) error
}

// Config holds per-listener polling settings.
type Config struct {
	Confirmations uint64
	BatchSize     uint64
	PollInterval  time.Duration
	// StartBlock applies when no cursor exists; zero starts at the safe head.
	StartBlock uint64
	DedupSize  int
}

// Listener follows one contract.
type Listener struct {
	contract   chain.Contract
	source     EventSource
	dispatcher Dispatcher
	cursor     Cursor
	cfg        Config
	seen       *lru.Cache[string, struct{}]
	logger     *zap.Logger
	metrics    *metrics.Metrics

	next          uint64
	lastProcessed atomic.Uint64
}

func New(contract chain.Contract, source EventSource, dispatcher Dispatcher, cursor Cursor, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 10000
	}
	return &Listener{
		contract:   contract,
		source:     source,
		dispatcher: dispatcher,
		cursor:     cursor,
		cfg:        cfg,
		seen:       lru.NewCache[string, struct{}](cfg.DedupSize),
		logger:     logger.With(zap.String("contract", string(contract.Kind))),
		metrics:    m,
	}
}

// Name identifies the listener and its cursor.
func (l *Listener) Name() string {
	return string(l.contract.Kind)
}

// LastProcessed returns the last block whose events were all delivered.
func (l *Listener) LastProcessed() uint64 {
	return l.lastProcessed.Load()
}

// Init verifies the contract bytecode and positions the cursor. A missing
// contract is an apperr Fatal.
func (l *Listener) Init(ctx context.Context) error {
	if err := l.source.EnsureDeployed(ctx, l.contract); err != nil {
		return err
	}

	last, ok, err := l.cursor.Load(ctx, l.Name())
	if err != nil {
		return apperr.Transient("load cursor", err)
	}
	switch {
	case ok:
		l.next = last + 1
	case l.cfg.StartBlock > 0:
		l.next = l.cfg.StartBlock
	default:
		head, _, err := l.source.SafeHead(ctx, l.cfg.Confirmations)
		if err != nil {
			return err
		}
		// Anchor before polling so a restart resumes here instead of at a newer head.
		if head > 0 {
			if err := l.cursor.Save(ctx, l.Name(), head-1); err != nil {
				return apperr.Transient("save cursor", err)
			}
		}
		l.next = head
	}
	if l.next > 0 {
		l.lastProcessed.Store(l.next - 1)
	}

	l.logger.Info("listener initialized",
		zap.String("address", l.contract.Address.Hex()),
		zap.Uint64("next_block", l.next),
		zap.Bool("resumed", ok),
	)
	return nil
}

// Run polls until ctx is done or a poll fails.
func (l *Listener) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := l.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll processes every confirmed block after the cursor, batch by batch. The
// cursor only moves past a batch once every retryable delivery in it succeeded.
func (l *Listener) Poll(ctx context.Context) error {
	head, ok, err := l.source.SafeHead(ctx, l.cfg.Confirmations)
	if err != nil {
		return err
	}
	if !ok || head < l.next {
		return nil
	}

	ranges, err := SplitRange(l.next, head, l.cfg.BatchSize, maxBatchesPerPoll)
	if err != nil {
		return err
	}
	for _, blockRange := range ranges {
		events, err := l.source.PollEvents(ctx, l.contract, blockRange.From, blockRange.To)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := l.handle(ctx, ev); err != nil {
				return err
			}
		}
		if err := l.cursor.Save(ctx, l.Name(), blockRange.To); err != nil {
			return apperr.Transient("save cursor", err)
		}
		l.next = blockRange.To + 1
		l.lastProcessed.Store(blockRange.To)
		l.metrics.ListenerAdvanced(l.Name(), blockRange.To)

		if len(events) > 0 {
			l.logger.Info("batch complete",
				zap.Int("events", len(events)),
				zap.Uint64("from", blockRange.From),
				zap.Uint64("to", blockRange.To),
			)
		}
	}
	return nil
}

func (l *Listener) handle(ctx context.Context, ev model.ChainEvent) error {
	key := ev.Key()
	if l.seen.Contains(key) {
		l.metrics.EventProcessed(l.Name(), "duplicate")
		return nil
	}

	err := l.dispatcher.Dispatch(ctx, ev)
	switch {
	case err == nil:
		l.metrics.EventProcessed(l.Name(), "dispatched")
	case apperr.Retryable(err):
		l.metrics.DispatchFailed(l.Name(), true)
		return fmt.Errorf("dispatch %s: %w", key, err)
	default:
		l.metrics.DispatchFailed(l.Name(), false)
		l.metrics.EventProcessed(l.Name(), "rejected")
		l.logger.Warn("event rejected by processing endpoint",
			zap.String("tx_hash", ev.TxHash),
			zap.Uint64("log_index", ev.LogIndex),
			zap.String("player", ev.Player),
			zap.Error(err),
		)
	}
	l.seen.Add(key, struct{}{})
	return nil
}
