// Package withdrawal issues signed authorizations that let a player withdraw
// on-chain. Issuing an authorization never debits the ledger; the debit is
// applied when the resulting Withdrawn event is observed.
package withdrawal

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/model"
	"balanceBridge/internal/storage"
)

// Authorization is returned to the player for on-chain submission.
type Authorization struct {
	Signature     string          `json:"signature"`
	Nonce         uint64          `json:"nonce"`
	Amount        decimal.Decimal `json:"amount"`
	FinalBalance  decimal.Decimal `json:"finalBalance"`
	PlayerAddress string          `json:"playerAddress"`
	Timestamp     int64           `json:"timestamp"`
}

// Authorizer signs withdrawal tuples.
type Authorizer struct {
	store    storage.Store
	signer   *Signer
	decimals int32
	logger   *zap.Logger
	nowFn    func() time.Time
}

func NewAuthorizer(store storage.Store, signer *Signer, decimals int32, logger *zap.Logger) *Authorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authorizer{
		store:    store,
		signer:   signer,
		decimals: decimals,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// SignerAddress returns the configured signer, if any.
func (a *Authorizer) SignerAddress() (common.Address, bool) {
	if a.signer == nil {
		return common.Address{}, false
	}
	return a.signer.Address(), true
}

// Authorize signs (player, amount, max(0, balance-amount), nonce) with a
// freshly reserved nonce and records it.
func (a *Authorizer) Authorize(ctx context.Context, playerAddress string, amount decimal.Decimal) (Authorization, error) {
	if !common.IsHexAddress(playerAddress) {
		return Authorization{}, apperr.Validation("invalid player address")
	}
	if !amount.IsPositive() {
		return Authorization{}, apperr.Validation("amount must be positive")
	}
	if a.signer == nil {
		return Authorization{}, apperr.New(apperr.KindServiceUnavailable, "withdrawal signing is not configured")
	}
	amountWei, err := ToBaseUnits(amount, a.decimals)
	if err != nil {
		return Authorization{}, apperr.Validation("%v", err)
	}

	player := common.HexToAddress(playerAddress)
	wallet := model.NormalizeWallet(player.Hex())

	acc, err := a.store.GetAccount(ctx, wallet)
	if err != nil {
		return Authorization{}, err
	}

	finalBalance := acc.OffChainBalance.Sub(amount)
	if finalBalance.IsNegative() {
		finalBalance = decimal.Zero
	}
	finalWei, err := ToBaseUnits(finalBalance, a.decimals)
	if err != nil {
		return Authorization{}, apperr.Validation("%v", err)
	}

	record, err := a.store.IssueAuthorization(ctx, storage.AuthorizationRequest{
		WalletAddress: wallet,
		Amount:        amount,
		FinalBalance:  finalBalance,
	}, func(nonce uint64) (string, error) {
		sig, err := a.signer.Sign(Tuple{
			Player:       player,
			Amount:       amountWei,
			FinalBalance: finalWei,
			Nonce:        new(big.Int).SetUint64(nonce),
		})
		if err != nil {
			return "", err
		}
		return hexutil.Encode(sig), nil
	})
	if err != nil {
		return Authorization{}, err
	}

	a.logger.Info("withdrawal authorized",
		zap.String("wallet", wallet),
		zap.String("amount", amount.String()),
		zap.String("final_balance", finalBalance.String()),
		zap.Uint64("nonce", record.Nonce),
	)

	return Authorization{
		Signature:     record.Signature,
		Nonce:         record.Nonce,
		Amount:        amount,
		FinalBalance:  finalBalance,
		PlayerAddress: wallet,
		Timestamp:     a.nowFn().Unix(),
	}, nil
}
