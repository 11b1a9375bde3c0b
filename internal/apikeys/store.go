// Package apikeys persists API keys in SQLite. Raw keys are shown once
// at creation; only a SHA-256 digest is stored.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// KeyPrefix marks raw keys so leaked strings are identifiable.
	KeyPrefix = "clb_"

	rawKeyBytes = 24
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyDisabled = errors.New("api key disabled")
	ErrKeyExpired  = errors.New("api key expired")
)

// Key is the stored record. The raw secret never appears here.
type Key struct {
	KeyID       string            `json:"key_id"`
	Name        string            `json:"name"`
	Permissions []string          `json:"permissions"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	Enabled     bool              `json:"enabled"`
	RateLimit   int               `json:"rate_limit,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HasPermission reports whether the key grants a permission. A "*"
// entry grants everything.
func (k *Key) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == "*" || p == perm {
			return true
		}
	}
	return false
}

// CreateOptions tune key creation.
type CreateOptions struct {
	ExpiresAt *time.Time
	RateLimit int
	Metadata  map[string]string
}

// Store is a SQLite-backed API key store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the key database at path. Use
// ":memory:" for an ephemeral store.
func Open(path string, opts ...StoreOption) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open api key store: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS api_keys (
			key_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			permissions TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER,
			last_used_at INTEGER,
			enabled INTEGER NOT NULL DEFAULT 1,
			rate_limit INTEGER,
			metadata TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create api_keys table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create mints a new key and returns the raw secret exactly once.
func (s *Store) Create(ctx context.Context, name string, permissions []string, opts CreateOptions) (string, *Key, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, errors.New("key name is required")
	}
	if len(permissions) == 0 {
		permissions = []string{"*"}
	}

	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := KeyPrefix + hex.EncodeToString(buf)

	key := &Key{
		KeyID:       uuid.NewString(),
		Name:        name,
		Permissions: permissions,
		CreatedAt:   s.now().UTC(),
		ExpiresAt:   opts.ExpiresAt,
		Enabled:     true,
		RateLimit:   opts.RateLimit,
		Metadata:    opts.Metadata,
	}

	permsJSON, err := json.Marshal(key.Permissions)
	if err != nil {
		return "", nil, err
	}
	metaJSON, err := json.Marshal(key.Metadata)
	if err != nil {
		return "", nil, err
	}

	var expiresMs *int64
	if key.ExpiresAt != nil {
		ms := key.ExpiresAt.UnixMilli()
		expiresMs = &ms
	}
	var rateLimit *int
	if key.RateLimit > 0 {
		rateLimit = &key.RateLimit
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, name, key_hash, permissions, created_at, expires_at, enabled, rate_limit, metadata)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		key.KeyID, key.Name, hashKey(raw), string(permsJSON),
		key.CreatedAt.UnixMilli(), expiresMs, rateLimit, string(metaJSON),
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}
	return raw, key, nil
}

// Verify resolves a raw key to its record. Disabled and expired keys
// fail with distinct errors; a successful lookup stamps last_used_at.
func (s *Store) Verify(ctx context.Context, raw string) (*Key, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, KeyPrefix) {
		return nil, ErrKeyNotFound
	}

	key, err := s.scanByHash(ctx, hashKey(raw))
	if err != nil {
		return nil, err
	}
	if !key.Enabled {
		return nil, ErrKeyDisabled
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(s.now()) {
		return nil, ErrKeyExpired
	}

	usedAt := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE key_id = ?`,
		usedAt.UnixMilli(), key.KeyID); err != nil {
		return nil, fmt.Errorf("stamp last_used_at: %w", err)
	}
	key.LastUsedAt = &usedAt
	return key, nil
}

// List returns all keys ordered by creation time, newest first.
func (s *Store) List(ctx context.Context) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, name, permissions, created_at, expires_at, last_used_at, enabled, rate_limit, metadata
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Disable revokes a key without deleting its audit trail.
func (s *Store) Disable(ctx context.Context, keyID string) error {
	return s.setEnabled(ctx, keyID, false)
}

// Enable re-activates a disabled key.
func (s *Store) Enable(ctx context.Context, keyID string) error {
	return s.setEnabled(ctx, keyID, true)
}

func (s *Store) setEnabled(ctx context.Context, keyID string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET enabled = ? WHERE key_id = ?`, val, keyID)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Delete removes a key permanently.
func (s *Store) Delete(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *Store) scanByHash(ctx context.Context, hash string) (*Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, name, permissions, created_at, expires_at, last_used_at, enabled, rate_limit, metadata
		FROM api_keys WHERE key_hash = ?`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*Key, error) {
	var (
		key        Key
		permsJSON  string
		metaJSON   sql.NullString
		createdMs  int64
		expiresMs  sql.NullInt64
		lastUsedMs sql.NullInt64
		enabled    int
		rateLimit  sql.NullInt64
	)
	if err := row.Scan(&key.KeyID, &key.Name, &permsJSON, &createdMs,
		&expiresMs, &lastUsedMs, &enabled, &rateLimit, &metaJSON); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(permsJSON), &key.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &key.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	key.CreatedAt = time.UnixMilli(createdMs).UTC()
	if expiresMs.Valid {
		t := time.UnixMilli(expiresMs.Int64).UTC()
		key.ExpiresAt = &t
	}
	if lastUsedMs.Valid {
		t := time.UnixMilli(lastUsedMs.Int64).UTC()
		key.LastUsedAt = &t
	}
	key.Enabled = enabled != 0
	if rateLimit.Valid {
		key.RateLimit = int(rateLimit.Int64)
	}
	return &key, nil
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
