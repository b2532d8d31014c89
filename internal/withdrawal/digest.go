package withdrawal

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Tuple is the exact data the withdrawal contract re-derives and verifies.
type Tuple struct {
	Player       common.Address
	Amount       *big.Int
	FinalBalance *big.Int
	Nonce        *big.Int
}

// Digest is keccak256(abi.encodePacked(address, uint256, uint256, uint256)).
func (t Tuple) Digest() (common.Hash, error) {
	amount, err := uint256Bytes(t.Amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("amount: %w", err)
	}
	finalBalance, err := uint256Bytes(t.FinalBalance)
	if err != nil {
		return common.Hash{}, fmt.Errorf("final balance: %w", err)
	}
	nonce, err := uint256Bytes(t.Nonce)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	return crypto.Keccak256Hash(t.Player.Bytes(), amount, finalBalance, nonce), nil
}

// SigningHash is the EIP-191 personal-message hash of the digest, which is
// what the contract passes to ecrecover.
func (t Tuple) SigningHash() ([]byte, error) {
	digest, err := t.Digest()
	if err != nil {
		return nil, err
	}
	return accounts.TextHash(digest.Bytes()), nil
}

// Recover returns the address that produced sig over the tuple.
func Recover(t Tuple, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	hash, err := t.SigningHash()
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ToBaseUnits converts a token amount into integer base units.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount must not be negative")
	}
	shifted := amount.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount.String(), decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts integer base units into a token amount.
func FromBaseUnits(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}

func uint256Bytes(v *big.Int) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("missing value")
	}
	if v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("value out of uint256 range")
	}
	return common.LeftPadBytes(v.Bytes(), 32), nil
}
