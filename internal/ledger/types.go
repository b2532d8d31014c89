package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"balanceBridge/internal/model"
)

// EventInput is the payload of one detected chain event. It is also the wire
// body of the internal processing endpoints and of the primary service.
type EventInput struct {
	WalletAddress string          `json:"walletAddress"`
	Amount        decimal.Decimal `json:"amount"`
	TxHash        string          `json:"txHash"`
	BlockNumber   uint64          `json:"blockNumber"`
	LogIndex      uint64          `json:"logIndex,omitempty"`
	Timestamp     uint64          `json:"timestamp"`
	Nonce         string          `json:"nonce,omitempty"`
}

// Result describes the committed ledger entry for an event.
type Result struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	UserID        uuid.UUID       `json:"userId"`
	WalletAddress string          `json:"walletAddress"`
	Kind          model.EntryKind `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	TxHash        string          `json:"txHash"`
	BlockNumber   uint64          `json:"blockNumber"`
	Replayed      bool            `json:"replayed,omitempty"`
}

func resultFromEntry(entry model.LedgerEntry, wallet string) Result {
	return Result{
		TransactionID: entry.ID,
		UserID:        entry.AccountID,
		WalletAddress: wallet,
		Kind:          entry.Kind,
		Amount:        entry.Amount,
		BalanceBefore: entry.BalanceBefore,
		BalanceAfter:  entry.BalanceAfter,
		TxHash:        entry.ExternalReference,
		BlockNumber:   entry.Metadata.BlockNumber,
	}
}
