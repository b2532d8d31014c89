package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WithdrawalAuthorization is the audit mirror of a signed withdrawal voucher.
type WithdrawalAuthorization struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     uuid.UUID       `json:"account_id"`
	Nonce         uint64          `json:"nonce"`
	PlayerAddress string          `json:"player_address"`
	Amount        decimal.Decimal `json:"amount"`
	FinalBalance  decimal.Decimal `json:"final_balance"`
	Signature     string          `json:"signature"`
	IssuedAt      time.Time       `json:"issued_at"`
}
