package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fastproxy/fastproxy/internal/domain/auth"
)

func openTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "fastproxy.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewKeyStore(db)
}

func newStoredKey(t *testing.T, store *KeyStore, name string) (*auth.Key, string) {
	t.Helper()
	cleartext, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	key, err := auth.NewKey(name, cleartext)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if err := store.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	return key, cleartext
}

func TestKeyStore_CreateAndLookupByHash(t *testing.T) {
	store := openTestKeyStore(t)
	key, cleartext := newStoredKey(t, store, "ci")

	got, err := store.GetKeyByHash(context.Background(), auth.HashKey(cleartext))
	if err != nil {
		t.Fatalf("GetKeyByHash: %v", err)
	}
	if got.ID != key.ID || got.Name != "ci" || !got.Active {
		t.Fatalf("lookup mismatch: %+v", got)
	}
	if got.LastUsedAt != nil {
		t.Fatal("fresh key has last_used_at")
	}
}

func TestKeyStore_UnknownHash(t *testing.T) {
	store := openTestKeyStore(t)
	if _, err := store.GetKeyByHash(context.Background(), auth.HashKey("fpx_nope")); !errors.Is(err, auth.ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestKeyStore_ListNewestFirst(t *testing.T) {
	store := openTestKeyStore(t)
	ctx := context.Background()

	first, _ := newStoredKey(t, store, "first")
	// Force distinct created_at values.
	second, _ := newStoredKey(t, store, "second")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	if err := store.DeleteKey(ctx, second.ID); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if err := store.CreateKey(ctx, second); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	keys, err := store.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("len = %d, want 2", len(keys))
	}
	if keys[0].Name != "second" {
		t.Fatalf("order: got %q first, want second", keys[0].Name)
	}
}

func TestKeyStore_RevokeAndDelete(t *testing.T) {
	store := openTestKeyStore(t)
	ctx := context.Background()
	key, cleartext := newStoredKey(t, store, "ops")

	if err := store.RevokeKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	got, err := store.GetKeyByHash(ctx, auth.HashKey(cleartext))
	if err != nil {
		t.Fatalf("GetKeyByHash after revoke: %v", err)
	}
	if got.Active {
		t.Fatal("revoked key still active")
	}

	if err := store.DeleteKey(ctx, key.ID); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if _, err := store.GetKeyByHash(ctx, auth.HashKey(cleartext)); !errors.Is(err, auth.ErrKeyNotFound) {
		t.Fatalf("err after delete = %v, want ErrKeyNotFound", err)
	}

	if err := store.RevokeKey(ctx, "no-such-id"); !errors.Is(err, auth.ErrKeyNotFound) {
		t.Fatalf("revoke unknown: err = %v, want ErrKeyNotFound", err)
	}
	if err := store.DeleteKey(ctx, "no-such-id"); !errors.Is(err, auth.ErrKeyNotFound) {
		t.Fatalf("delete unknown: err = %v, want ErrKeyNotFound", err)
	}
}

func TestKeyStore_TouchUpdatesLastUsed(t *testing.T) {
	store := openTestKeyStore(t)
	ctx := context.Background()
	key, cleartext := newStoredKey(t, store, "ops")

	used := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.TouchKey(ctx, key.ID, used); err != nil {
		t.Fatalf("TouchKey: %v", err)
	}

	got, err := store.GetKeyByHash(ctx, auth.HashKey(cleartext))
	if err != nil {
		t.Fatalf("GetKeyByHash: %v", err)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(used) {
		t.Fatalf("last_used_at = %v, want %v", got.LastUsedAt, used)
	}
}
