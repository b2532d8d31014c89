// Package memory is a process-local Store with the same transactional
// semantics as the Postgres store. Writes are serialized by a single mutex.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/model"
	"balanceBridge/internal/storage"
)

type entryKey struct {
	ref  string
	kind model.EntryKind
}

type authKey struct {
	wallet string
	nonce  uint64
}

// Store keeps all ledger state in maps.
type Store struct {
	mu        sync.Mutex
	accounts  map[string]*model.Account
	entries   map[entryKey]model.LedgerEntry
	byAccount map[uuid.UUID][]model.LedgerEntry
	auths     map[authKey]model.WithdrawalAuthorization
	listeners map[string]model.ListenerState
	nowFn     func() time.Time
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		accounts:  make(map[string]*model.Account),
		entries:   make(map[entryKey]model.LedgerEntry),
		byAccount: make(map[uuid.UUID][]model.LedgerEntry),
		auths:     make(map[authKey]model.WithdrawalAuthorization),
		listeners: make(map[string]model.ListenerState),
		nowFn:     time.Now,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// SetBalance seeds an account balance. It bypasses the ledger and exists for
// fixtures and local development.
func (s *Store) SetBalance(wallet string, balance decimal.Decimal) model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accountLocked(model.NormalizeWallet(wallet))
	acc.OffChainBalance = balance
	return *acc
}

func (s *Store) FindEntry(ctx context.Context, externalRef string, kind model.EntryKind) (*model.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient("find entry", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryKey{ref: normalizeRef(externalRef), kind: kind}]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (s *Store) GetAccount(ctx context.Context, wallet string) (model.Account, error) {
	if err := ctx.Err(); err != nil {
		return model.Account{}, apperr.Transient("get account", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[model.NormalizeWallet(wallet)]
	if !ok {
		return model.Account{}, apperr.NotFound("account")
	}
	return *acc, nil
}

func (s *Store) GetOrCreateAccount(ctx context.Context, wallet string) (model.Account, error) {
	if err := ctx.Err(); err != nil {
		return model.Account{}, apperr.Transient("get or create account", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accountLocked(model.NormalizeWallet(wallet)), nil
}

func (s *Store) ApplyEntry(ctx context.Context, req model.EntryRequest) (model.LedgerEntry, model.Account, error) {
	if err := ctx.Err(); err != nil {
		return model.LedgerEntry{}, model.Account{}, apperr.Transient("apply entry", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{ref: normalizeRef(req.ExternalReference), kind: req.Kind}
	if existing, ok := s.entries[key]; ok {
		return model.LedgerEntry{}, model.Account{}, apperr.Replay("ledger entry already applied", existing)
	}

	wallet := model.NormalizeWallet(req.WalletAddress)
	_, existed := s.accounts[wallet]
	acc := s.accountLocked(wallet)
	before := acc.OffChainBalance
	after := before.Add(req.Delta)
	if after.IsNegative() {
		if !existed {
			delete(s.accounts, wallet)
		}
		return model.LedgerEntry{}, model.Account{}, apperr.InsufficientFunds(
			"insufficient balance: have %s, need %s", before.String(), req.Delta.Neg().String())
	}

	now := s.nowFn().UTC()
	deposited, withdrawn := storage.Totals(req)
	acc.OffChainBalance = after
	acc.TotalDeposited = acc.TotalDeposited.Add(deposited)
	acc.TotalWithdrawn = acc.TotalWithdrawn.Add(withdrawn)
	acc.UpdatedAt = now

	entry := model.LedgerEntry{
		ID:                uuid.New(),
		AccountID:         acc.ID,
		Kind:              req.Kind,
		Amount:            req.Amount,
		BalanceBefore:     before,
		BalanceAfter:      after,
		Status:            model.EntryCompleted,
		ExternalReference: key.ref,
		Metadata:          req.Metadata,
		CreatedAt:         now,
	}
	s.entries[key] = entry
	s.byAccount[acc.ID] = append(s.byAccount[acc.ID], entry)

	return entry, *acc, nil
}

func (s *Store) ListEntries(ctx context.Context, wallet string, limit int) ([]model.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient("list entries", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[model.NormalizeWallet(wallet)]
	if !ok {
		return nil, apperr.NotFound("account")
	}
	history := s.byAccount[acc.ID]
	entries := make([]model.LedgerEntry, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		entries = append(entries, history[i])
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) IssueAuthorization(ctx context.Context, req storage.AuthorizationRequest, sign storage.SignFunc) (model.WithdrawalAuthorization, error) {
	if err := ctx.Err(); err != nil {
		return model.WithdrawalAuthorization{}, apperr.Transient("issue authorization", err)
	}
	if sign == nil {
		return model.WithdrawalAuthorization{}, fmt.Errorf("sign func is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet := model.NormalizeWallet(req.WalletAddress)
	acc, ok := s.accounts[wallet]
	if !ok {
		return model.WithdrawalAuthorization{}, apperr.NotFound("account")
	}
	nonce := acc.WithdrawalNonce + 1
	key := authKey{wallet: wallet, nonce: nonce}
	if _, exists := s.auths[key]; exists {
		return model.WithdrawalAuthorization{}, apperr.Replay("nonce already issued", nil)
	}

	signature, err := sign(nonce)
	if err != nil {
		return model.WithdrawalAuthorization{}, err
	}

	auth := model.WithdrawalAuthorization{
		ID:            uuid.New(),
		AccountID:     acc.ID,
		Nonce:         nonce,
		PlayerAddress: wallet,
		Amount:        req.Amount,
		FinalBalance:  req.FinalBalance,
		Signature:     signature,
		IssuedAt:      s.nowFn().UTC(),
	}
	acc.WithdrawalNonce = nonce
	s.auths[key] = auth
	return auth, nil
}

func (s *Store) FindAuthorization(ctx context.Context, wallet string, nonce uint64) (*model.WithdrawalAuthorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient("find authorization", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.auths[authKey{wallet: model.NormalizeWallet(wallet), nonce: nonce}]
	if !ok {
		return nil, nil
	}
	return &auth, nil
}

func (s *Store) LoadListenerState(ctx context.Context, name string) (model.ListenerState, bool, error) {
	if name == "" {
		return model.ListenerState{}, false, fmt.Errorf("state name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.listeners[name]
	return state, ok, nil
}

func (s *Store) SaveListenerState(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[name] = model.ListenerState{Name: name, LastProcessedBlock: block, UpdatedAt: s.nowFn().UTC()}
	return nil
}

func (s *Store) accountLocked(wallet string) *model.Account {
	if acc, ok := s.accounts[wallet]; ok {
		return acc
	}
	now := s.nowFn().UTC()
	acc := &model.Account{
		ID:              uuid.New(),
		WalletAddress:   wallet,
		OffChainBalance: decimal.Zero,
		TotalDeposited:  decimal.Zero,
		TotalWithdrawn:  decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.accounts[wallet] = acc
	return acc
}

func normalizeRef(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}
