package storage

import (
	"context"

	"github.com/shopspring/decimal"

	"balanceBridge/internal/model"
)

// SignFunc signs a withdrawal authorization once its nonce is reserved.
type SignFunc func(nonce uint64) (signature string, err error)

// AuthorizationRequest is the tuple persisted alongside a reserved nonce.
type AuthorizationRequest struct {
	WalletAddress string
	Amount        decimal.Decimal
	FinalBalance  decimal.Decimal
}

// Store is the relational ledger. Every balance change goes through ApplyEntry,
// which applies a relative delta and the audit entry in one transaction.
type Store interface {
	Ping(ctx context.Context) error

	// FindEntry returns nil when no entry exists for the pair.
	FindEntry(ctx context.Context, externalRef string, kind model.EntryKind) (*model.LedgerEntry, error)
	GetAccount(ctx context.Context, wallet string) (model.Account, error)
	GetOrCreateAccount(ctx context.Context, wallet string) (model.Account, error)
	// ApplyEntry returns an apperr Replay carrying the existing entry when
	// (ExternalReference, Kind) was already committed, and InsufficientFunds
	// when the delta would drive the balance negative.
	ApplyEntry(ctx context.Context, req model.EntryRequest) (model.LedgerEntry, model.Account, error)
	ListEntries(ctx context.Context, wallet string, limit int) ([]model.LedgerEntry, error)

	// IssueAuthorization reserves the next per-account nonce, signs with it and
	// records the authorization atomically.
	IssueAuthorization(ctx context.Context, req AuthorizationRequest, sign SignFunc) (model.WithdrawalAuthorization, error)
	FindAuthorization(ctx context.Context, wallet string, nonce uint64) (*model.WithdrawalAuthorization, error)

	LoadListenerState(ctx context.Context, name string) (model.ListenerState, bool, error)
	SaveListenerState(ctx context.Context, name string, block uint64) error
}

// Totals returns the deposited/withdrawn increments a request contributes.
func Totals(req model.EntryRequest) (deposited, withdrawn decimal.Decimal) {
	switch req.Kind {
	case model.EntryDeposit:
		return req.Amount, decimal.Zero
	case model.EntryWithdrawal:
		return decimal.Zero, req.Amount
	default:
		return decimal.Zero, decimal.Zero
	}
}
