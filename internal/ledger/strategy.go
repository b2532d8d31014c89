package ledger

import (
	"context"
	"errors"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/model"
	"balanceBridge/internal/storage"
)

const (
	StrategyDirect  = "direct"
	StrategyPrimary = "primary"

	strategyNone = "none"
)

// Strategy applies one entry. Implementations must be safe to call after a
// previous strategy failed for the same event; the store's unique key turns a
// repeated apply into an apperr Replay.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, kind model.ContractKind, req model.EntryRequest, in EventInput) (Result, error)
}

// DirectStrategy writes straight to the ledger store.
type DirectStrategy struct {
	store storage.Store
}

func NewDirectStrategy(store storage.Store) *DirectStrategy {
	return &DirectStrategy{store: store}
}

func (d *DirectStrategy) Name() string { return StrategyDirect }

func (d *DirectStrategy) Apply(ctx context.Context, _ model.ContractKind, req model.EntryRequest, _ EventInput) (Result, error) {
	entry, acc, err := d.store.ApplyEntry(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return resultFromEntry(entry, acc.WalletAddress), nil
}

// stopsPipeline reports errors no other strategy could resolve.
func stopsPipeline(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindInsufficientFunds, apperr.KindNotFound, apperr.KindUnauthorized, apperr.KindReplay:
		return true
	default:
		return false
	}
}
