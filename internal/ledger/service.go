// Package ledger orchestrates the internal processing of chain events: one
// idempotency check, balance validation, then a strategy pipeline that
// applies the entry, followed by a best-effort notification.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/broadcast"
	"balanceBridge/internal/metrics"
	"balanceBridge/internal/model"
	"balanceBridge/internal/storage"
)

// Notifier receives committed balance changes. Implementations must not block.
type Notifier interface {
	PublishBlockchainUpdate(kind broadcast.UpdateKind, wallet string, amount decimal.Decimal, txHash string)
	PublishGameBalance(wallet string, newBalance decimal.Decimal)
}

// Service processes deposit, withdrawal and faucet events.
type Service struct {
	store     storage.Store
	pipelines map[model.ContractKind][]Strategy
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithPrimary routes deposits through primary before the direct store write.
func WithPrimary(primary Strategy) Option {
	return func(s *Service) {
		if primary == nil {
			return
		}
		direct := s.pipelines[model.ContractDeposit]
		s.pipelines[model.ContractDeposit] = append([]Strategy{primary}, direct...)
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store storage.Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	direct := NewDirectStrategy(store)
	s := &Service{
		store: store,
		pipelines: map[model.ContractKind][]Strategy{
			model.ContractDeposit:    {direct},
			model.ContractWithdrawal: {direct},
			model.ContractFaucet:     {direct},
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process applies one event exactly once. Redelivery of an already committed
// (txHash, kind) returns the original result with Replayed set.
func (s *Service) Process(ctx context.Context, kind model.ContractKind, in EventInput) (Result, error) {
	entryKind, err := kind.EntryKind()
	if err != nil {
		return Result{}, apperr.Validation("%v", err)
	}
	if err := validateInput(in); err != nil {
		return Result{}, err
	}
	wallet := model.NormalizeWallet(in.WalletAddress)
	txHash := strings.ToLower(in.TxHash)

	existing, err := s.store.FindEntry(ctx, txHash, entryKind)
	if err != nil {
		return Result{}, err
	}
	if existing != nil && existing.Status == model.EntryCompleted {
		s.metrics.LedgerOutcome(string(entryKind), strategyNone, "replay")
		res := resultFromEntry(*existing, wallet)
		res.Replayed = true
		return res, nil
	}

	acc, err := s.store.GetOrCreateAccount(ctx, wallet)
	if err != nil {
		return Result{}, err
	}
	if kind == model.ContractWithdrawal && acc.OffChainBalance.LessThan(in.Amount) {
		s.metrics.LedgerOutcome(string(entryKind), strategyNone, "rejected")
		return Result{}, apperr.InsufficientFunds(
			"insufficient balance: have %s, need %s", acc.OffChainBalance.String(), in.Amount.String())
	}

	req := model.EntryRequest{
		WalletAddress:     wallet,
		Kind:              entryKind,
		Amount:            in.Amount,
		Delta:             delta(kind, in.Amount),
		ExternalReference: txHash,
		Metadata: model.EntryMetadata{
			BlockNumber: in.BlockNumber,
			LogIndex:    in.LogIndex,
			Timestamp:   in.Timestamp,
			Nonce:       in.Nonce,
			Source:      string(kind),
		},
	}
	if kind == model.ContractWithdrawal {
		req.Metadata.AuthorizationID = s.matchAuthorization(ctx, wallet, in)
	}

	res, strategy, err := s.run(ctx, kind, req, in)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindReplay {
			res, replayErr := s.replayed(ctx, err, req, acc, in)
			if replayErr != nil {
				s.metrics.LedgerOutcome(string(entryKind), strategy, "failed")
				return Result{}, replayErr
			}
			s.metrics.LedgerOutcome(string(entryKind), strategy, "replay")
			return res, nil
		}
		s.metrics.LedgerOutcome(string(entryKind), strategy, "failed")
		return Result{}, err
	}
	res.WalletAddress = wallet
	s.metrics.LedgerOutcome(string(entryKind), strategy, "applied")

	s.logger.Info("ledger entry applied",
		zap.String("kind", string(entryKind)),
		zap.String("strategy", strategy),
		zap.String("wallet", wallet),
		zap.String("amount", in.Amount.String()),
		zap.String("balance_after", res.BalanceAfter.String()),
		zap.String("tx_hash", txHash),
	)
	s.notify(kind, res)
	return res, nil
}

// replayed resolves a Replay outcome to the committed entry. A replay reported
// without the entry, as the primary service does, is looked up again; when the
// entry lives only in the primary's ledger the result reports the unchanged
// local balance.
func (s *Service) replayed(ctx context.Context, err error, req model.EntryRequest, acc model.Account, in EventInput) (Result, error) {
	if prior, ok := apperr.ExistingOf(err); ok {
		if entry, ok := prior.(model.LedgerEntry); ok {
			res := resultFromEntry(entry, req.WalletAddress)
			res.Replayed = true
			return res, nil
		}
	}
	entry, findErr := s.store.FindEntry(ctx, req.ExternalReference, req.Kind)
	if findErr != nil {
		return Result{}, findErr
	}
	if entry != nil {
		res := resultFromEntry(*entry, req.WalletAddress)
		res.Replayed = true
		return res, nil
	}
	return Result{
		UserID:        acc.ID,
		WalletAddress: req.WalletAddress,
		Kind:          req.Kind,
		Amount:        req.Amount,
		BalanceBefore: acc.OffChainBalance,
		BalanceAfter:  acc.OffChainBalance,
		TxHash:        req.ExternalReference,
		BlockNumber:   in.BlockNumber,
		Replayed:      true,
	}, nil
}

// matchAuthorization links a confirmed withdrawal to the authorization issued
// for its nonce. The contract already moved the funds, so a missing or
// mismatched authorization is reported but never blocks the debit.
func (s *Service) matchAuthorization(ctx context.Context, wallet string, in EventInput) string {
	if in.Nonce == "" {
		return ""
	}
	nonce, err := strconv.ParseUint(in.Nonce, 10, 64)
	if err != nil {
		s.logger.Warn("withdrawal nonce not numeric", zap.String("wallet", wallet), zap.String("nonce", in.Nonce))
		return ""
	}
	auth, err := s.store.FindAuthorization(ctx, wallet, nonce)
	if err != nil {
		s.logger.Warn("authorization lookup failed", zap.String("wallet", wallet), zap.Uint64("nonce", nonce), zap.Error(err))
		return ""
	}
	if auth == nil {
		s.logger.Warn("withdrawal without issued authorization",
			zap.String("wallet", wallet),
			zap.Uint64("nonce", nonce),
			zap.String("tx_hash", in.TxHash),
		)
		return ""
	}
	if !auth.Amount.Equal(in.Amount) {
		s.logger.Warn("withdrawal amount differs from authorization",
			zap.String("wallet", wallet),
			zap.Uint64("nonce", nonce),
			zap.String("authorized", auth.Amount.String()),
			zap.String("withdrawn", in.Amount.String()),
		)
	}
	return auth.ID.String()
}

// run tries each strategy in order. Errors that no other strategy could
// resolve end the pipeline immediately.
func (s *Service) run(ctx context.Context, kind model.ContractKind, req model.EntryRequest, in EventInput) (Result, string, error) {
	pipeline := s.pipelines[kind]
	var lastErr error
	for _, strategy := range pipeline {
		res, err := strategy.Apply(ctx, kind, req, in)
		if err == nil {
			return res, strategy.Name(), nil
		}
		if stopsPipeline(err) {
			return Result{}, strategy.Name(), err
		}
		s.logger.Warn("ledger strategy failed",
			zap.String("strategy", strategy.Name()),
			zap.String("kind", string(req.Kind)),
			zap.String("tx_hash", req.ExternalReference),
			zap.Error(err),
		)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no strategy configured for %s", kind)
	}
	return Result{}, strategyNone, lastErr
}

func (s *Service) notify(kind model.ContractKind, res Result) {
	if s.notifier == nil {
		return
	}
	switch kind {
	case model.ContractDeposit:
		s.notifier.PublishBlockchainUpdate(broadcast.UpdateDeposit, res.WalletAddress, res.Amount, res.TxHash)
		s.notifier.PublishGameBalance(res.WalletAddress, res.BalanceAfter)
	case model.ContractWithdrawal:
		s.notifier.PublishBlockchainUpdate(broadcast.UpdateWithdraw, res.WalletAddress, res.Amount, res.TxHash)
		s.notifier.PublishGameBalance(res.WalletAddress, res.BalanceAfter)
	case model.ContractFaucet:
		s.notifier.PublishBlockchainUpdate(broadcast.UpdateFaucet, res.WalletAddress, res.Amount, res.TxHash)
	}
}

// delta is the signed balance change. Faucet tokens are minted to the wallet
// on-chain and never touch the gameplay balance.
func delta(kind model.ContractKind, amount decimal.Decimal) decimal.Decimal {
	switch kind {
	case model.ContractDeposit:
		return amount
	case model.ContractWithdrawal:
		return amount.Neg()
	default:
		return decimal.Zero
	}
}

func validateInput(in EventInput) error {
	if !common.IsHexAddress(in.WalletAddress) {
		return apperr.Validation("invalid wallet address")
	}
	if !in.Amount.IsPositive() {
		return apperr.Validation("amount must be positive")
	}
	if hash, err := hexutil.Decode(in.TxHash); err != nil || len(hash) != common.HashLength {
		return apperr.Validation("txHash must be 0x followed by 64 hex characters")
	}
	if in.BlockNumber == 0 {
		return apperr.Validation("blockNumber must be positive")
	}
	if in.Timestamp == 0 {
		return apperr.Validation("timestamp must be positive")
	}
	return nil
}
