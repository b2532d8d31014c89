package model

import (
	"fmt"
	"math/big"
	"strings"
)

// ContractKind names a watched contract and the ledger flow it feeds.
type ContractKind string

const (
	ContractDeposit    ContractKind = "deposit"
	ContractWithdrawal ContractKind = "withdrawal"
	ContractFaucet     ContractKind = "faucet"
)

// EntryKind maps the contract to the ledger entry kind it produces.
func (k ContractKind) EntryKind() (EntryKind, error) {
	switch k {
	case ContractDeposit:
		return EntryDeposit, nil
	case ContractWithdrawal:
		return EntryWithdrawal, nil
	case ContractFaucet:
		return EntrySignupBonus, nil
	default:
		return "", fmt.Errorf("unknown contract kind %q", string(k))
	}
}

// ChainEvent is a decoded contract log. Amount and Nonce are in base units.
type ChainEvent struct {
	Contract    ContractKind `json:"contract"`
	TxHash      string       `json:"tx_hash"`
	BlockNumber uint64       `json:"block_number"`
	LogIndex    uint64       `json:"log_index"`
	Player      string       `json:"player"`
	Amount      *big.Int     `json:"amount"`
	Nonce       *big.Int     `json:"nonce,omitempty"`
	Timestamp   uint64       `json:"timestamp"`
}

// Key identifies the log within the chain.
func (e ChainEvent) Key() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(e.TxHash), e.LogIndex)
}
