package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// ScopeGateway marks a device token as valid for gateway connections.
	ScopeGateway = "gateway"

	// DefaultRequestTTL bounds how long a pairing request stays approvable.
	DefaultRequestTTL = 10 * time.Minute

	tokenBytes = 32
)

var (
	ErrRequestNotFound = errors.New("pairing request not found")
	ErrRequestExpired  = errors.New("pairing request expired")
	ErrDeviceNotFound  = errors.New("device not found")
)

// RequestStatus tracks a pairing request through its lifecycle.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestExpired  RequestStatus = "expired"
)

// DeviceRequest is one device asking to be trusted by this gateway.
type DeviceRequest struct {
	ID          string        `json:"id"`
	DeviceID    string        `json:"device_id"`
	PublicKey   string        `json:"public_key"`
	DisplayName string        `json:"display_name,omitempty"`
	Platform    string        `json:"platform,omitempty"`
	RemoteIP    string        `json:"remote_ip,omitempty"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// DeviceToken is a long-lived credential minted when a request is approved.
type DeviceToken struct {
	DeviceID  string     `json:"device_id"`
	Token     string     `json:"token"`
	Scopes    []string   `json:"scopes"`
	IssuedAt  time.Time  `json:"issued_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the token has been invalidated.
func (t DeviceToken) Revoked() bool { return t.RevokedAt != nil }

// HasScope reports whether the token carries the given scope.
func (t DeviceToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type deviceState struct {
	Requests []DeviceRequest        `json:"requests"`
	Tokens   map[string]DeviceToken `json:"tokens"`
}

// DeviceStore persists pairing requests and device tokens as a single
// JSON file under the state directory.
type DeviceStore struct {
	path       string
	requestTTL time.Duration
	now        func() time.Time
	rand       io.Reader

	mu    sync.Mutex
	state deviceState
}

// DeviceStoreOption configures a DeviceStore.
type DeviceStoreOption func(*DeviceStore)

// WithNow injects a clock, for tests.
func WithNow(now func() time.Time) DeviceStoreOption {
	return func(s *DeviceStore) { s.now = now }
}

// WithRequestTTL overrides the pairing request lifetime.
func WithRequestTTL(ttl time.Duration) DeviceStoreOption {
	return func(s *DeviceStore) {
		if ttl > 0 {
			s.requestTTL = ttl
		}
	}
}

// NewDeviceStore loads (or initializes) the device state under stateDir.
func NewDeviceStore(stateDir string, opts ...DeviceStoreOption) (*DeviceStore, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state dir is required")
	}
	s := &DeviceStore{
		path:       filepath.Join(stateDir, "devices.json"),
		requestTTL: DefaultRequestTTL,
		now:        time.Now,
		rand:       rand.Reader,
		state:      deviceState{Tokens: map[string]DeviceToken{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DeviceStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var state deviceState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Tokens == nil {
		state.Tokens = map[string]DeviceToken{}
	}
	s.state = state
	return nil
}

// CreateRequest records a pairing request. A still-pending request for the
// same device is returned unchanged instead of creating a duplicate.
func (s *DeviceStore) CreateRequest(deviceID, publicKey, displayName, platform, remoteIP string) (DeviceRequest, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return DeviceRequest{}, errors.New("device id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepExpiredLocked()

	for _, req := range s.state.Requests {
		if req.DeviceID == deviceID && req.Status == RequestPending {
			return req, nil
		}
	}

	now := s.now()
	req := DeviceRequest{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		PublicKey:   strings.TrimSpace(publicKey),
		DisplayName: strings.TrimSpace(displayName),
		Platform:    strings.TrimSpace(platform),
		RemoteIP:    strings.TrimSpace(remoteIP),
		Status:      RequestPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.requestTTL),
	}
	s.state.Requests = append(s.state.Requests, req)
	if err := s.persistLocked(); err != nil {
		return DeviceRequest{}, err
	}
	return req, nil
}

// ListPending returns requests that are still approvable.
func (s *DeviceStore) ListPending() ([]DeviceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepExpiredLocked()

	var out []DeviceRequest
	for _, req := range s.state.Requests {
		if req.Status == RequestPending {
			out = append(out, req)
		}
	}
	return out, nil
}

// Approve mints a gateway-scoped token for the request's device. Any
// previous token for the device is replaced.
func (s *DeviceStore) Approve(requestID string) (DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepExpiredLocked()

	idx := s.findRequestLocked(requestID)
	if idx < 0 {
		return DeviceToken{}, ErrRequestNotFound
	}
	req := &s.state.Requests[idx]
	if req.Status == RequestExpired {
		return DeviceToken{}, ErrRequestExpired
	}
	if req.Status != RequestPending {
		return DeviceToken{}, ErrRequestNotFound
	}

	token, err := s.mintTokenLocked(req.DeviceID)
	if err != nil {
		return DeviceToken{}, err
	}
	req.Status = RequestApproved
	if err := s.persistLocked(); err != nil {
		return DeviceToken{}, err
	}
	return token, nil
}

// Reject marks a pending request as rejected.
func (s *DeviceStore) Reject(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepExpiredLocked()

	idx := s.findRequestLocked(requestID)
	if idx < 0 || s.state.Requests[idx].Status != RequestPending {
		return ErrRequestNotFound
	}
	s.state.Requests[idx].Status = RequestRejected
	return s.persistLocked()
}

// Rotate replaces the device's token, invalidating the old value.
func (s *DeviceStore) Rotate(deviceID string) (DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Tokens[deviceID]; !ok {
		return DeviceToken{}, ErrDeviceNotFound
	}
	token, err := s.mintTokenLocked(deviceID)
	if err != nil {
		return DeviceToken{}, err
	}
	if err := s.persistLocked(); err != nil {
		return DeviceToken{}, err
	}
	return token, nil
}

// Revoke invalidates the device's token without deleting its record.
func (s *DeviceStore) Revoke(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.state.Tokens[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	now := s.now()
	token.RevokedAt = &now
	s.state.Tokens[deviceID] = token
	return s.persistLocked()
}

// Validate reports whether (deviceID, token) names a live gateway-scoped
// credential. Comparison is constant-time.
func (s *DeviceStore) Validate(deviceID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.state.Tokens[deviceID]
	if !ok || stored.Revoked() || !stored.HasScope(ScopeGateway) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored.Token), []byte(token)) == 1
}

func (s *DeviceStore) findRequestLocked(requestID string) int {
	for i, req := range s.state.Requests {
		if req.ID == requestID {
			return i
		}
	}
	return -1
}

func (s *DeviceStore) sweepExpiredLocked() {
	now := s.now()
	for i := range s.state.Requests {
		req := &s.state.Requests[i]
		if req.Status == RequestPending && req.ExpiresAt.Before(now) {
			req.Status = RequestExpired
		}
	}
}

func (s *DeviceStore) mintTokenLocked(deviceID string) (DeviceToken, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return DeviceToken{}, err
	}
	token := DeviceToken{
		DeviceID: deviceID,
		Token:    hex.EncodeToString(buf),
		Scopes:   []string{ScopeGateway},
		IssuedAt: s.now(),
	}
	s.state.Tokens[deviceID] = token
	return token, nil
}

func (s *DeviceStore) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
