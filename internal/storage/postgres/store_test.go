package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/model"
)

// These tests need a disposable database; set BRIDGE_TEST_PG_DSN to run them.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BRIDGE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("BRIDGE_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, dsn, 5*time.Second)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func uniqueWallet() string {
	return fmt.Sprintf("0x%040x", time.Now().UnixNano())
}

func TestApplyEntryIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	wallet := uniqueWallet()
	ref := fmt.Sprintf("0x%064x", time.Now().UnixNano())

	req := model.EntryRequest{
		WalletAddress:     wallet,
		Kind:              model.EntryDeposit,
		Amount:            decimal.NewFromInt(100),
		Delta:             decimal.NewFromInt(100),
		ExternalReference: ref,
		Metadata:          model.EntryMetadata{BlockNumber: 7},
	}

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.ApplyEntry(ctx, req)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for err := range results {
		switch {
		case err == nil:
			applied++
		case apperr.Is(err, apperr.KindReplay):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one application, got %d", applied)
	}

	acc, err := store.GetAccount(ctx, wallet)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acc.OffChainBalance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance mismatch: %s", acc.OffChainBalance)
	}

	entry, err := store.FindEntry(ctx, ref, model.EntryDeposit)
	if err != nil || entry == nil {
		t.Fatalf("find entry: %v", err)
	}
	if entry.Metadata.BlockNumber != 7 {
		t.Fatalf("metadata mismatch: %+v", entry.Metadata)
	}
}

func TestApplyEntryInsufficientFundsRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	wallet := uniqueWallet()

	_, _, err := store.ApplyEntry(ctx, model.EntryRequest{
		WalletAddress:     wallet,
		Kind:              model.EntryWithdrawal,
		Amount:            decimal.NewFromInt(5),
		Delta:             decimal.NewFromInt(-5),
		ExternalReference: fmt.Sprintf("0x%064x", time.Now().UnixNano()),
	})
	if !apperr.Is(err, apperr.KindInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := store.GetAccount(ctx, wallet); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("rolled back account should not exist: %v", err)
	}
}

func TestListenerStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	name := fmt.Sprintf("test-%d", time.Now().UnixNano())

	if err := store.SaveListenerState(ctx, name, 1234); err != nil {
		t.Fatalf("save: %v", err)
	}
	state, ok, err := store.LoadListenerState(ctx, name)
	if err != nil || !ok || state.LastProcessedBlock != 1234 {
		t.Fatalf("state mismatch: %+v %v %v", state, ok, err)
	}
}
