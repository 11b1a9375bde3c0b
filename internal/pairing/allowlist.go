package pairing

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// CodeLength is the length of a channel pairing code.
	CodeLength = 8

	// CodeTTL bounds how long a pairing code stays redeemable.
	CodeTTL = time.Hour
)

// Unambiguous alphabet: no I, O, 0, 1.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var ErrCodeNotFound = errors.New("pairing code not found")

// CodeRequest is an unknown DM sender waiting for allowlist approval.
type CodeRequest struct {
	Code        string    `json:"code"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AllowlistStore manages a channel's sender allowlist and the short
// pairing codes that admit new senders to it.
type AllowlistStore struct {
	channel  string
	stateDir string
	now      func() time.Time
	rand     io.Reader
	mu       sync.Mutex
}

// NewAllowlistStore creates a store for one channel's allowlist files.
func NewAllowlistStore(channel, stateDir string) *AllowlistStore {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		channel = "default"
	}
	return &AllowlistStore{
		channel:  channel,
		stateDir: stateDir,
		now:      time.Now,
		rand:     rand.Reader,
	}
}

// Allowlist returns the approved sender identifiers.
func (s *AllowlistStore) Allowlist() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAllowlistLocked()
}

// Pending returns unexpired pairing requests.
func (s *AllowlistStore) Pending() ([]CodeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPendingLocked()
}

// GetOrCreateCode returns the sender's live pairing request, creating one
// when none exists. The second return is true when a new code was issued.
func (s *AllowlistStore) GetOrCreateCode(senderID, senderName string) (CodeRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return CodeRequest{}, false, errors.New("sender id is required")
	}

	pending, err := s.loadPendingLocked()
	if err != nil {
		return CodeRequest{}, false, err
	}

	now := s.now()
	for _, req := range pending {
		if req.SenderID == senderID && req.ExpiresAt.After(now) {
			return req, false, nil
		}
	}

	existing := map[string]struct{}{}
	for _, req := range pending {
		existing[req.Code] = struct{}{}
	}
	code, err := s.generateCode(existing)
	if err != nil {
		return CodeRequest{}, false, err
	}

	req := CodeRequest{
		Code:        code,
		SenderID:    senderID,
		SenderName:  strings.TrimSpace(senderName),
		RequestedAt: now,
		ExpiresAt:   now.Add(CodeTTL),
	}
	pending = append(pending, req)
	if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
		return CodeRequest{}, false, err
	}
	return req, true, nil
}

// ApproveCode redeems a code, adding its sender to the allowlist.
func (s *AllowlistStore) ApproveCode(code string) (CodeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, pending, idx, err := s.takeLocked(code)
	if err != nil {
		return CodeRequest{}, err
	}

	allowlist, err := s.loadAllowlistLocked()
	if err != nil {
		return CodeRequest{}, err
	}
	allowlist = dedupeAllowlist(append(allowlist, req.SenderID))
	if err := s.writeJSONLocked(s.allowlistPath(), allowlist); err != nil {
		return CodeRequest{}, err
	}

	pending = append(pending[:idx], pending[idx+1:]...)
	if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
		return CodeRequest{}, err
	}
	return req, nil
}

// DenyCode discards a pending request without admitting its sender.
func (s *AllowlistStore) DenyCode(code string) (CodeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, pending, idx, err := s.takeLocked(code)
	if err != nil {
		return CodeRequest{}, err
	}
	pending = append(pending[:idx], pending[idx+1:]...)
	if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
		return CodeRequest{}, err
	}
	return req, nil
}

func (s *AllowlistStore) takeLocked(code string) (CodeRequest, []CodeRequest, int, error) {
	code = normalizeCode(code)
	if code == "" {
		return CodeRequest{}, nil, -1, ErrCodeNotFound
	}
	pending, err := s.loadPendingLocked()
	if err != nil {
		return CodeRequest{}, nil, -1, err
	}
	for i, req := range pending {
		if normalizeCode(req.Code) == code {
			return req, pending, i, nil
		}
	}
	return CodeRequest{}, nil, -1, ErrCodeNotFound
}

func (s *AllowlistStore) allowlistPath() string {
	return filepath.Join(s.stateDir, "credentials", fmt.Sprintf("%s-allowlist.json", s.channel))
}

func (s *AllowlistStore) pendingPath() string {
	return filepath.Join(s.stateDir, "credentials", fmt.Sprintf("%s-pairing.json", s.channel))
}

func (s *AllowlistStore) loadAllowlistLocked() ([]string, error) {
	data, err := os.ReadFile(s.allowlistPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []string{}, nil
	}
	var allowlist []string
	if err := json.Unmarshal(data, &allowlist); err != nil {
		return nil, err
	}
	return dedupeAllowlist(allowlist), nil
}

// loadPendingLocked drops expired or malformed entries, rewriting the file
// when anything was filtered out.
func (s *AllowlistStore) loadPendingLocked() ([]CodeRequest, error) {
	path := s.pendingPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []CodeRequest{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []CodeRequest{}, nil
	}
	var pending []CodeRequest
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, err
	}
	filtered := pending[:0]
	now := s.now()
	for _, req := range pending {
		if req.Code == "" || req.SenderID == "" {
			continue
		}
		if req.ExpiresAt.IsZero() || req.ExpiresAt.After(now) {
			req.Code = normalizeCode(req.Code)
			filtered = append(filtered, req)
		}
	}
	if len(filtered) != len(pending) {
		if err := s.writeJSONLocked(path, filtered); err != nil {
			return nil, err
		}
	}
	return filtered, nil
}

func (s *AllowlistStore) writeJSONLocked(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

func (s *AllowlistStore) generateCode(existing map[string]struct{}) (string, error) {
	for i := 0; i < 20; i++ {
		buf := make([]byte, CodeLength)
		if _, err := io.ReadFull(s.rand, buf); err != nil {
			return "", err
		}
		out := make([]byte, CodeLength)
		for j := range buf {
			out[j] = codeAlphabet[int(buf[j])%len(codeAlphabet)]
		}
		code := string(out)
		if _, ok := existing[code]; ok {
			continue
		}
		return code, nil
	}
	return "", errors.New("failed to generate unique pairing code")
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func dedupeAllowlist(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(trimmed, "@"))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
