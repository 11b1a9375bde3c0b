package pairing

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAllowlistCodeFlow(t *testing.T) {
	store := NewAllowlistStore("telegram", t.TempDir())

	req, created, err := store.GetOrCreateCode("12345", "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first request should create a code")
	}
	if len(req.Code) != CodeLength {
		t.Errorf("code length = %d", len(req.Code))
	}
	for _, r := range req.Code {
		if !strings.ContainsRune(codeAlphabet, r) {
			t.Errorf("code %q uses character outside alphabet", req.Code)
		}
	}

	// Same sender gets the same live code back.
	again, created, err := store.GetOrCreateCode("12345", "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if created || again.Code != req.Code {
		t.Errorf("got new code %q, want reuse of %q", again.Code, req.Code)
	}

	// Approval is case-insensitive and lands the sender on the allowlist.
	approved, err := store.ApproveCode(strings.ToLower(req.Code))
	if err != nil {
		t.Fatal(err)
	}
	if approved.SenderID != "12345" {
		t.Errorf("approved sender = %q", approved.SenderID)
	}
	allowlist, err := store.Allowlist()
	if err != nil {
		t.Fatal(err)
	}
	if len(allowlist) != 1 || allowlist[0] != "12345" {
		t.Errorf("allowlist = %v", allowlist)
	}

	if _, err := store.ApproveCode(req.Code); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("re-approve err = %v", err)
	}
}

func TestAllowlistDenyCode(t *testing.T) {
	store := NewAllowlistStore("discord", t.TempDir())

	req, _, err := store.GetOrCreateCode("u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.DenyCode(req.Code); err != nil {
		t.Fatal(err)
	}

	allowlist, _ := store.Allowlist()
	if len(allowlist) != 0 {
		t.Errorf("denied sender on allowlist: %v", allowlist)
	}
	pending, _ := store.Pending()
	if len(pending) != 0 {
		t.Errorf("denied request still pending: %v", pending)
	}
}

func TestAllowlistCodeExpiry(t *testing.T) {
	store := NewAllowlistStore("slack", t.TempDir())
	now := time.Now()
	store.now = func() time.Time { return now }

	req, _, err := store.GetOrCreateCode("u1", "")
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(CodeTTL + time.Minute)

	pending, err := store.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expired code still pending: %v", pending)
	}
	if _, err := store.ApproveCode(req.Code); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("approve expired err = %v", err)
	}
}

func TestAllowlistDeduplicates(t *testing.T) {
	got := dedupeAllowlist([]string{"alice", "@alice", "  ", "ALICE", "bob"})
	if len(got) != 2 {
		t.Fatalf("dedupe = %v", got)
	}
	if got[0] != "alice" || got[1] != "bob" {
		t.Errorf("dedupe = %v", got)
	}
}
