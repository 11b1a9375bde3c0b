package apikeys

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, clock *time.Time) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "keys.db"), WithNow(func() time.Time { return *clock }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndVerify(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &clock)
	ctx := context.Background()

	raw, key, err := store.Create(ctx, "ci-bot", []string{"chat.send", "sessions.list"}, CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(raw, KeyPrefix) {
		t.Errorf("raw key %q missing prefix", raw)
	}
	if strings.Contains(raw, " ") || len(raw) != len(KeyPrefix)+2*rawKeyBytes {
		t.Errorf("raw key %q has unexpected shape", raw)
	}

	got, err := store.Verify(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.KeyID != key.KeyID || got.Name != "ci-bot" {
		t.Errorf("verified key = %+v", got)
	}
	if !got.HasPermission("chat.send") || got.HasPermission("cron.add") {
		t.Errorf("permissions = %v", got.Permissions)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at not stamped")
	}

	if _, err := store.Verify(ctx, KeyPrefix+strings.Repeat("0", 2*rawKeyBytes)); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("bogus key error = %v", err)
	}
	if _, err := store.Verify(ctx, "sk-something-else"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("unprefixed key error = %v", err)
	}
}

func TestVerifyDisabledAndExpired(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &clock)
	ctx := context.Background()

	expiry := clock.Add(time.Hour)
	raw, key, err := store.Create(ctx, "short-lived", nil, CreateOptions{ExpiresAt: &expiry})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.Verify(ctx, raw); err != nil {
		t.Fatalf("fresh key rejected: %v", err)
	}

	if err := store.Disable(ctx, key.KeyID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Verify(ctx, raw); !errors.Is(err, ErrKeyDisabled) {
		t.Errorf("disabled key error = %v", err)
	}
	if err := store.Enable(ctx, key.KeyID); err != nil {
		t.Fatal(err)
	}

	clock = clock.Add(2 * time.Hour)
	if _, err := store.Verify(ctx, raw); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("expired key error = %v", err)
	}
}

func TestWildcardPermission(t *testing.T) {
	clock := time.Now().UTC()
	store := newTestStore(t, &clock)

	raw, _, err := store.Create(context.Background(), "admin", []string{"*"}, CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	key, err := store.Verify(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if !key.HasPermission("anything.at.all") {
		t.Error("wildcard did not grant permission")
	}
}

func TestListAndDelete(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &clock)
	ctx := context.Background()

	_, first, err := store.Create(ctx, "first", nil, CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(time.Minute)
	if _, _, err := store.Create(ctx, "second", nil, CreateOptions{RateLimit: 60, Metadata: map[string]string{"team": "infra"}}); err != nil {
		t.Fatal(err)
	}

	keys, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("len = %d", len(keys))
	}
	if keys[0].Name != "second" {
		t.Errorf("order = %s, %s", keys[0].Name, keys[1].Name)
	}
	if keys[0].RateLimit != 60 || keys[0].Metadata["team"] != "infra" {
		t.Errorf("round trip = %+v", keys[0])
	}

	if err := store.Delete(ctx, first.KeyID); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, first.KeyID); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("double delete error = %v", err)
	}
	keys, _ = store.List(ctx)
	if len(keys) != 1 {
		t.Errorf("len after delete = %d", len(keys))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	raw, _, err := store.Create(ctx, "durable", []string{"chat.send"}, CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	key, err := reopened.Verify(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if key.Name != "durable" {
		t.Errorf("name = %q", key.Name)
	}
}
