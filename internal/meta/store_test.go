package meta

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gftdcojp/tiered-buffer/internal/config"
	"github.com/gftdcojp/tiered-buffer/internal/types"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(config.MetadataConfig{
		Path:   filepath.Join(t.TempDir(), "meta.db"),
		NoSync: true,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := types.KeyFor(3, []byte("object"))

	if err := store.Save(ctx, key, []byte("v1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("got %q, want v1", got)
	}

	// Overwrite
	if err := store.Save(ctx, key, []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Load(ctx, key)
	if string(got) != "v2" {
		t.Errorf("got %q after overwrite, want v2", got)
	}
}

func TestLoadMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load(context.Background(), types.KeyFor(1, []byte("nope")))
	if !errors.Is(err, types.ErrNoSuchElement) {
		t.Fatalf("expected ErrNoSuchElement, got %v", err)
	}
	_, err = store.UpdatedAt(context.Background(), types.KeyFor(1, []byte("nope")))
	if !errors.Is(err, types.ErrNoSuchElement) {
		t.Fatalf("expected ErrNoSuchElement from UpdatedAt, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := types.KeyFor(1, []byte("gone"))

	store.Save(ctx, key, []byte("x"))
	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, key); !errors.Is(err, types.ErrNoSuchElement) {
		t.Fatalf("expected ErrNoSuchElement after delete, got %v", err)
	}
	if _, err := store.UpdatedAt(ctx, key); !errors.Is(err, types.ErrNoSuchElement) {
		t.Fatalf("update time should be deleted, got %v", err)
	}

	// Deleting an absent key is not an error.
	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
}

func TestKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keys, err := store.Keys(ctx)
	if err != nil || len(keys) != 0 {
		t.Fatalf("Keys on empty store = %v, %v", keys, err)
	}

	a := types.KeyFor(2, []byte("a"))
	b := types.KeyFor(1, []byte("b"))
	store.Save(ctx, a, []byte("x"))
	store.Save(ctx, b, []byte("y"))

	keys, err = store.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	// Encoded keys sort by tag first.
	if keys[0] != b || keys[1] != a {
		t.Errorf("unexpected key order %v", keys)
	}
}

func TestKeyEncoding(t *testing.T) {
	key := types.KeyFor(0xdeadbeef, []byte("content"))
	got, err := decodeKey(encodeKey(key))
	if err != nil {
		t.Fatal(err)
	}
	if got != key {
		t.Errorf("decoded %v, want %v", got, key)
	}
	if _, err := decodeKey([]byte("short")); !errors.Is(err, types.ErrParsing) {
		t.Errorf("expected ErrParsing, got %v", err)
	}
}

func TestReopenKeepsForests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "meta.db")
	ctx := context.Background()
	key := types.KeyFor(1, []byte("durable"))

	store, err := NewBoltStore(config.MetadataConfig{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, key, []byte("forest")); err != nil {
		t.Fatal(err)
	}
	store.Close()

	store, err = NewBoltStore(config.MetadataConfig{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	got, err := store.Load(ctx, key)
	if err != nil || string(got) != "forest" {
		t.Fatalf("Load after reopen = %q, %v", got, err)
	}
}

func TestOpenUnusablePath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewBoltStore(config.MetadataConfig{Path: filepath.Join(blocker, "meta.db")}, zap.NewNop())
	if !errors.Is(err, types.ErrUninitialised) {
		t.Fatalf("expected ErrUninitialised, got %v", err)
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(); err != nil {
		t.Fatal(err)
	}
}
