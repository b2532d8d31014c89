package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"balanceBridge/internal/storage"
)

// Cursor persists the last fully processed block per listener.
type Cursor interface {
	Load(ctx context.Context, name string) (uint64, bool, error)
	Save(ctx context.Context, name string, block uint64) error
}

// StoreCursor keeps cursors in the ledger store's listener_state table.
type StoreCursor struct {
	store storage.Store
}

func NewStoreCursor(store storage.Store) *StoreCursor {
	return &StoreCursor{store: store}
}

func (c *StoreCursor) Load(ctx context.Context, name string) (uint64, bool, error) {
	state, ok, err := c.store.LoadListenerState(ctx, name)
	if err != nil || !ok {
		return 0, ok, err
	}
	return state.LastProcessedBlock, true, nil
}

func (c *StoreCursor) Save(ctx context.Context, name string, block uint64) error {
	return c.store.SaveListenerState(ctx, name, block)
}

// checkpoint is the on-disk cursor format.
type checkpoint struct {
	LastProcessedBlock uint64 `json:"last_processed_block"`
	UpdatedAt          string `json:"updated_at"`
}

// FileCursor persists cursors as <dir>/<name>.json, replaced atomically.
type FileCursor struct {
	dir string
}

func NewFileCursor(dir string) *FileCursor {
	return &FileCursor{dir: dir}
}

func (c *FileCursor) path(name string) string {
	return filepath.Join(c.dir, name+".json")
}

func (c *FileCursor) Load(_ context.Context, name string) (uint64, bool, error) {
	path := c.path(name)
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat checkpoint: %w", err)
	}
	if stat.IsDir() {
		return 0, false, fmt.Errorf("checkpoint path is a directory")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return 0, false, fmt.Errorf("parse checkpoint: %w", err)
	}
	return cp.LastProcessedBlock, true, nil
}

func (c *FileCursor) Save(_ context.Context, name string, block uint64) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.Marshal(checkpoint{
		LastProcessedBlock: block,
		UpdatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := c.path(name)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// MirroredCursor reads from primary and falls back to mirror when primary has
// no record; saves go to both.
type MirroredCursor struct {
	primary Cursor
	mirror  Cursor
}

func NewMirroredCursor(primary, mirror Cursor) *MirroredCursor {
	return &MirroredCursor{primary: primary, mirror: mirror}
}

func (c *MirroredCursor) Load(ctx context.Context, name string) (uint64, bool, error) {
	block, ok, err := c.primary.Load(ctx, name)
	if err != nil || ok {
		return block, ok, err
	}
	return c.mirror.Load(ctx, name)
}

func (c *MirroredCursor) Save(ctx context.Context, name string, block uint64) error {
	if err := c.primary.Save(ctx, name, block); err != nil {
		return err
	}
	return c.mirror.Save(ctx, name, block)
}
