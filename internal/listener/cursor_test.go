package listener

import (
	"context"
	"path/filepath"
	"testing"

	"balanceBridge/internal/storage/memory"
)

func TestFileCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	cursor := NewFileCursor(filepath.Join(t.TempDir(), "cursors"))

	if _, ok, err := cursor.Load(ctx, "deposit"); err != nil || ok {
		t.Fatalf("expected empty cursor, got ok=%v err=%v", ok, err)
	}
	if err := cursor.Save(ctx, "deposit", 1234); err != nil {
		t.Fatalf("save: %v", err)
	}
	block, ok, err := cursor.Load(ctx, "deposit")
	if err != nil || !ok || block != 1234 {
		t.Fatalf("load: block=%d ok=%v err=%v", block, ok, err)
	}
	if _, ok, _ := cursor.Load(ctx, "faucet"); ok {
		t.Fatalf("cursors must be per listener")
	}
}

func TestMirroredCursorFallsBack(t *testing.T) {
	ctx := context.Background()
	file := NewFileCursor(t.TempDir())
	if err := file.Save(ctx, "withdrawal", 77); err != nil {
		t.Fatalf("seed file cursor: %v", err)
	}

	store := memory.NewStore()
	cursor := NewMirroredCursor(NewStoreCursor(store), file)

	block, ok, err := cursor.Load(ctx, "withdrawal")
	if err != nil || !ok || block != 77 {
		t.Fatalf("expected fallback to file cursor, got block=%d ok=%v err=%v", block, ok, err)
	}

	if err := cursor.Save(ctx, "withdrawal", 90); err != nil {
		t.Fatalf("save: %v", err)
	}
	state, ok, err := store.LoadListenerState(ctx, "withdrawal")
	if err != nil || !ok || state.LastProcessedBlock != 90 {
		t.Fatalf("store cursor not updated: %+v ok=%v err=%v", state, ok, err)
	}
	if block, _, _ := file.Load(ctx, "withdrawal"); block != 90 {
		t.Fatalf("file cursor not updated: %d", block)
	}
}
