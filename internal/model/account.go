package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is the off-chain ledger account bound to a wallet address.
type Account struct {
	ID              uuid.UUID       `json:"id"`
	WalletAddress   string          `json:"wallet_address"`
	OffChainBalance decimal.Decimal `json:"off_chain_balance"`
	TotalDeposited  decimal.Decimal `json:"total_deposited"`
	TotalWithdrawn  decimal.Decimal `json:"total_withdrawn"`
	WithdrawalNonce uint64          `json:"withdrawal_nonce"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NormalizeWallet lower-cases and trims a wallet address.
func NormalizeWallet(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
