package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind classifies a balance-affecting event.
type EntryKind string

const (
	EntryDeposit     EntryKind = "DEPOSIT"
	EntryWithdrawal  EntryKind = "WITHDRAWAL"
	EntrySignupBonus EntryKind = "SIGNUP_BONUS"
)

// EntryStatus is the lifecycle state of a ledger entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryCompleted EntryStatus = "COMPLETED"
	EntryFailed    EntryStatus = "FAILED"
)

// LedgerEntry is the immutable audit record of one applied event.
// (ExternalReference, Kind) is unique.
type LedgerEntry struct {
	ID                uuid.UUID       `json:"id"`
	AccountID         uuid.UUID       `json:"account_id"`
	Kind              EntryKind       `json:"kind"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceBefore     decimal.Decimal `json:"balance_before"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	Status            EntryStatus     `json:"status"`
	ExternalReference string          `json:"external_reference"`
	Metadata          EntryMetadata   `json:"metadata"`
	CreatedAt         time.Time       `json:"created_at"`
}

// EntryMetadata carries the chain coordinates of the source event.
type EntryMetadata struct {
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint64 `json:"log_index,omitempty"`
	Timestamp   uint64 `json:"timestamp,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	Source      string `json:"source,omitempty"`

	// AuthorizationID links a withdrawal to the authorization that signed it.
	AuthorizationID string `json:"authorization_id,omitempty"`
}

// EntryRequest describes a mutation for the ledger writer.
// Delta is the signed change to the off-chain balance; it is zero for faucet claims.
type EntryRequest struct {
	WalletAddress     string
	Kind              EntryKind
	Amount            decimal.Decimal
	Delta             decimal.Decimal
	ExternalReference string
	Metadata          EntryMetadata
}
