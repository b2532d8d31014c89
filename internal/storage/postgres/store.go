package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/model"
	"balanceBridge/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

const (
	accountColumns = `id, wallet_address, off_chain_balance::text, total_deposited::text,
		total_withdrawn::text, withdrawal_nonce, created_at, updated_at`
	entryColumns = `id, account_id, kind, amount::text, balance_before::text, balance_after::text,
		status, external_reference, metadata, created_at`
	authColumns = `id, account_id, nonce, player_address, amount::text, final_balance::text,
		signature, issued_at`

	defaultTxTimeout = 10 * time.Second
)

var errDuplicateEntry = errors.New("duplicate ledger entry")

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres ledger writer.
type Store struct {
	pool      *pgxpool.Pool
	txTimeout time.Duration
}

var _ storage.Store = (*Store)(nil)

func NewStore(ctx context.Context, dsn string, txTimeout time.Duration) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if txTimeout <= 0 {
		txTimeout = defaultTxTimeout
	}
	return &Store{pool: pool, txTimeout: txTimeout}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the ledger tables when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.pool.Ping(ctx))
}

func (s *Store) FindEntry(ctx context.Context, externalRef string, kind model.EntryKind) (*model.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE external_reference = $1 AND kind = $2`,
		normalizeRef(externalRef), string(kind))
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("find entry", err)
	}
	return &entry, nil
}

func (s *Store) GetAccount(ctx context.Context, wallet string) (model.Account, error) {
	acc, err := getAccount(ctx, s.pool, model.NormalizeWallet(wallet))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Account{}, apperr.NotFound("account")
		}
		return model.Account{}, classify("get account", err)
	}
	return acc, nil
}

func (s *Store) GetOrCreateAccount(ctx context.Context, wallet string) (model.Account, error) {
	wallet = model.NormalizeWallet(wallet)
	if err := ensureAccount(ctx, s.pool, wallet); err != nil {
		return model.Account{}, classify("create account", err)
	}
	acc, err := getAccount(ctx, s.pool, wallet)
	if err != nil {
		return model.Account{}, classify("get account", err)
	}
	return acc, nil
}

func (s *Store) ApplyEntry(ctx context.Context, req model.EntryRequest) (model.LedgerEntry, model.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	wallet := model.NormalizeWallet(req.WalletAddress)
	ref := normalizeRef(req.ExternalReference)
	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return model.LedgerEntry{}, model.Account{}, fmt.Errorf("marshal metadata: %w", err)
	}
	deposited, withdrawn := storage.Totals(req)

	var (
		entry model.LedgerEntry
		acc   model.Account
	)
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := ensureAccount(ctx, tx, wallet); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE accounts SET
				off_chain_balance = off_chain_balance + $2::numeric,
				total_deposited = total_deposited + $3::numeric,
				total_withdrawn = total_withdrawn + $4::numeric,
				updated_at = now()
			WHERE wallet_address = $1 AND off_chain_balance + $2::numeric >= 0
			RETURNING `+accountColumns,
			wallet, req.Delta.String(), deposited.String(), withdrawn.String())
		var err error
		acc, err = scanAccount(row)
		if errors.Is(err, pgx.ErrNoRows) {
			var current string
			if err := tx.QueryRow(ctx, `SELECT off_chain_balance::text FROM accounts WHERE wallet_address = $1`, wallet).Scan(&current); err != nil {
				return err
			}
			return apperr.InsufficientFunds("insufficient balance: have %s, need %s", current, req.Delta.Neg().String())
		}
		if err != nil {
			return err
		}

		entry = model.LedgerEntry{
			ID:                uuid.New(),
			AccountID:         acc.ID,
			Kind:              req.Kind,
			Amount:            req.Amount,
			BalanceBefore:     acc.OffChainBalance.Sub(req.Delta),
			BalanceAfter:      acc.OffChainBalance,
			Status:            model.EntryCompleted,
			ExternalReference: ref,
			Metadata:          req.Metadata,
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO ledger_entries (
				id, account_id, kind, amount, balance_before, balance_after, status, external_reference, metadata, created_at
			) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9, now())
			ON CONFLICT (external_reference, kind) DO NOTHING
			RETURNING created_at
		`,
			entry.ID,
			entry.AccountID,
			string(entry.Kind),
			entry.Amount.String(),
			entry.BalanceBefore.String(),
			entry.BalanceAfter.String(),
			string(entry.Status),
			entry.ExternalReference,
			metadata,
		).Scan(&entry.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return errDuplicateEntry
		}
		return err
	})

	if errors.Is(err, errDuplicateEntry) {
		existing, findErr := s.FindEntry(ctx, ref, req.Kind)
		if findErr != nil {
			return model.LedgerEntry{}, model.Account{}, findErr
		}
		if existing == nil {
			return model.LedgerEntry{}, model.Account{}, apperr.Transient("apply entry", fmt.Errorf("conflicting entry %s vanished", ref))
		}
		return model.LedgerEntry{}, model.Account{}, apperr.Replay("ledger entry already applied", *existing)
	}
	if err != nil {
		return model.LedgerEntry{}, model.Account{}, classify("apply entry", err)
	}
	return entry, acc, nil
}

func (s *Store) ListEntries(ctx context.Context, wallet string, limit int) ([]model.LedgerEntry, error) {
	acc, err := s.GetAccount(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC, id LIMIT $2`,
		acc.ID, limit)
	if err != nil {
		return nil, classify("list entries", err)
	}
	defer rows.Close()

	entries := make([]model.LedgerEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, classify("scan entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list entries", err)
	}
	return entries, nil
}

func (s *Store) IssueAuthorization(ctx context.Context, req storage.AuthorizationRequest, sign storage.SignFunc) (model.WithdrawalAuthorization, error) {
	if sign == nil {
		return model.WithdrawalAuthorization{}, fmt.Errorf("sign func is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	wallet := model.NormalizeWallet(req.WalletAddress)
	auth := model.WithdrawalAuthorization{
		ID:            uuid.New(),
		PlayerAddress: wallet,
		Amount:        req.Amount,
		FinalBalance:  req.FinalBalance,
	}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var nonce int64
		err := tx.QueryRow(ctx, `
			UPDATE accounts SET withdrawal_nonce = withdrawal_nonce + 1, updated_at = now()
			WHERE wallet_address = $1
			RETURNING id, withdrawal_nonce
		`, wallet).Scan(&auth.AccountID, &nonce)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("account")
		}
		if err != nil {
			return err
		}
		auth.Nonce = uint64(nonce)

		auth.Signature, err = sign(auth.Nonce)
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO withdrawal_authorizations (
				id, account_id, nonce, player_address, amount, final_balance, signature, issued_at
			) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, now())
			RETURNING issued_at
		`,
			auth.ID,
			auth.AccountID,
			nonce,
			auth.PlayerAddress,
			auth.Amount.String(),
			auth.FinalBalance.String(),
			auth.Signature,
		).Scan(&auth.IssuedAt)
		if isUniqueViolation(err) {
			return apperr.Replay("nonce already issued", nil)
		}
		return err
	})
	if err != nil {
		return model.WithdrawalAuthorization{}, classify("issue authorization", err)
	}
	return auth, nil
}

func (s *Store) FindAuthorization(ctx context.Context, wallet string, nonce uint64) (*model.WithdrawalAuthorization, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+authColumns+` FROM withdrawal_authorizations WHERE player_address = $1 AND nonce = $2`,
		model.NormalizeWallet(wallet), int64(nonce))
	var (
		auth              model.WithdrawalAuthorization
		n                 int64
		amount, finalBalc string
	)
	err := row.Scan(&auth.ID, &auth.AccountID, &n, &auth.PlayerAddress, &amount, &finalBalc, &auth.Signature, &auth.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("find authorization", err)
	}
	auth.Nonce = uint64(n)
	if auth.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if auth.FinalBalance, err = decimal.NewFromString(finalBalc); err != nil {
		return nil, fmt.Errorf("parse final balance: %w", err)
	}
	return &auth, nil
}

// LoadListenerState returns the last processed block for a listener.
func (s *Store) LoadListenerState(ctx context.Context, name string) (model.ListenerState, bool, error) {
	if name == "" {
		return model.ListenerState{}, false, fmt.Errorf("state name required")
	}
	var (
		block int64
		state = model.ListenerState{Name: name}
	)
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block, updated_at FROM listener_state WHERE name=$1`, name)
	if err := row.Scan(&block, &state.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ListenerState{}, false, nil
		}
		return model.ListenerState{}, false, classify("load listener state", err)
	}
	state.LastProcessedBlock = uint64(block)
	return state, true, nil
}

// SaveListenerState upserts last_processed_block for a listener.
func (s *Store) SaveListenerState(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO listener_state (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block, updated_at = now()
	`, name, int64(block))
	return classify("save listener state", err)
}

func ensureAccount(ctx context.Context, q querier, wallet string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO accounts (id, wallet_address, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (wallet_address) DO NOTHING
	`, uuid.New(), wallet)
	return err
}

func getAccount(ctx context.Context, q querier, wallet string) (model.Account, error) {
	return scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE wallet_address = $1`, wallet))
}

func scanAccount(row pgx.Row) (model.Account, error) {
	var (
		acc                           model.Account
		balance, deposited, withdrawn string
		nonce                         int64
	)
	if err := row.Scan(&acc.ID, &acc.WalletAddress, &balance, &deposited, &withdrawn, &nonce, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return model.Account{}, err
	}
	var err error
	if acc.OffChainBalance, err = decimal.NewFromString(balance); err != nil {
		return model.Account{}, fmt.Errorf("parse balance: %w", err)
	}
	if acc.TotalDeposited, err = decimal.NewFromString(deposited); err != nil {
		return model.Account{}, fmt.Errorf("parse total deposited: %w", err)
	}
	if acc.TotalWithdrawn, err = decimal.NewFromString(withdrawn); err != nil {
		return model.Account{}, fmt.Errorf("parse total withdrawn: %w", err)
	}
	acc.WithdrawalNonce = uint64(nonce)
	return acc, nil
}

func scanEntry(row pgx.Row) (model.LedgerEntry, error) {
	var (
		entry                 model.LedgerEntry
		kind, status          string
		amount, before, after string
		metadata              []byte
	)
	if err := row.Scan(&entry.ID, &entry.AccountID, &kind, &amount, &before, &after, &status, &entry.ExternalReference, &metadata, &entry.CreatedAt); err != nil {
		return model.LedgerEntry{}, err
	}
	entry.Kind = model.EntryKind(kind)
	entry.Status = model.EntryStatus(status)
	var err error
	if entry.Amount, err = decimal.NewFromString(amount); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("parse amount: %w", err)
	}
	if entry.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("parse balance before: %w", err)
	}
	if entry.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("parse balance after: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return model.LedgerEntry{}, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return entry, nil
}

func normalizeRef(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// classify maps driver failures onto apperr kinds. Already classified errors
// pass through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return apperr.Transient(op+": datastore timeout", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014", "53300":
			return apperr.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return apperr.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
