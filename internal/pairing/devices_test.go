package pairing

import (
	"errors"
	"testing"
	"time"
)

func newTestDeviceStore(t *testing.T, now *time.Time) *DeviceStore {
	t.Helper()
	store, err := NewDeviceStore(t.TempDir(), WithNow(func() time.Time { return *now }))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestDevicePairingFlow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestDeviceStore(t, &now)

	req, err := store.CreateRequest("phone-1", "pubkey", "Ada's phone", "ios", "10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != RequestPending {
		t.Fatalf("status = %q", req.Status)
	}

	// A second request for the same device reuses the pending one.
	again, err := store.CreateRequest("phone-1", "pubkey", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != req.ID {
		t.Error("duplicate pending request created")
	}

	token, err := store.Approve(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if token.DeviceID != "phone-1" || !token.HasScope(ScopeGateway) {
		t.Fatalf("token = %+v", token)
	}
	if !store.Validate("phone-1", token.Token) {
		t.Error("freshly minted token rejected")
	}
	if store.Validate("phone-1", "wrong") {
		t.Error("wrong token accepted")
	}
	if store.Validate("phone-2", token.Token) {
		t.Error("token accepted for another device")
	}

	// Approving twice fails: the request is no longer pending.
	if _, err := store.Approve(req.ID); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("second approve err = %v", err)
	}
}

func TestDeviceRequestExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestDeviceStore(t, &now)

	req, err := store.CreateRequest("laptop", "pk", "", "", "")
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(DefaultRequestTTL + time.Minute)

	pending, err := store.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expired request still pending: %+v", pending)
	}
	if _, err := store.Approve(req.ID); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("approve expired err = %v", err)
	}
}

func TestDeviceTokenRotateAndRevoke(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestDeviceStore(t, &now)

	req, _ := store.CreateRequest("tablet", "pk", "", "", "")
	first, err := store.Approve(req.ID)
	if err != nil {
		t.Fatal(err)
	}

	second, err := store.Rotate("tablet")
	if err != nil {
		t.Fatal(err)
	}
	if second.Token == first.Token {
		t.Error("rotation kept the old token value")
	}
	if store.Validate("tablet", first.Token) {
		t.Error("rotated-out token still valid")
	}
	if !store.Validate("tablet", second.Token) {
		t.Error("rotated-in token invalid")
	}

	if err := store.Revoke("tablet"); err != nil {
		t.Fatal(err)
	}
	if store.Validate("tablet", second.Token) {
		t.Error("revoked token still valid")
	}
	if _, err := store.Rotate("unknown"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("rotate unknown err = %v", err)
	}
}

func TestDeviceStatePersists(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()

	store, err := NewDeviceStore(dir, WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	req, _ := store.CreateRequest("phone", "pk", "", "", "")
	token, err := store.Approve(req.ID)
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := NewDeviceStore(dir, WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Validate("phone", token.Token) {
		t.Error("token lost across reopen")
	}
}
