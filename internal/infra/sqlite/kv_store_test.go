package sqlite

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"quiz-sync-relay/internal/domain"
)

func openTestStore(t *testing.T, quota int) *KVStore {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "client.db"), Quota: quota})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestKVStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, 0)

	value := bytes.Repeat([]byte(`{"q1":{"value":"A","timestamp":1}}`), 50)
	if err := store.Set(ctx, "answers_bob", value); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.Get(ctx, "answers_bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("value mismatch")
	}

	if err := store.Set(ctx, "answers_bob", []byte("{}")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = store.Get(ctx, "answers_bob")
	if string(got) != "{}" {
		t.Fatalf("expected overwritten value, got %s", got)
	}

	_ = store.Set(ctx, "progress_bob", []byte("{}"))
	_ = store.Set(ctx, "classData", []byte(`{"users":{}}`))
	keys, err := store.Keys(ctx, "answers_")
	if err != nil || len(keys) != 1 || keys[0] != "answers_bob" {
		t.Fatalf("unexpected keys %v err=%v", keys, err)
	}

	_ = store.Delete(ctx, "answers_bob")
	if _, err := store.Get(ctx, "answers_bob"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected missing key, got %v", err)
	}
}

func TestKVStoreQuota(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, 64)

	if err := store.Set(ctx, "classData", bytes.Repeat([]byte("x"), 40)); err != nil {
		t.Fatalf("set within quota: %v", err)
	}
	err := store.Set(ctx, "answers_bob", bytes.Repeat([]byte("y"), 40))
	if !errors.Is(err, domain.ErrStorageQuota) {
		t.Fatalf("expected quota error, got %v", err)
	}
	// replacing a key frees its previous size first
	if err := store.Set(ctx, "classData", bytes.Repeat([]byte("z"), 50)); err != nil {
		t.Fatalf("overwrite within quota: %v", err)
	}
}
