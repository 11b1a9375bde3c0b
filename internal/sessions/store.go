package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/openclaw/pkg/models"
)

// ErrStorage wraps persistence failures. The in-memory session stays
// authoritative; the next mutation retries the write.
var ErrStorage = errors.New("session storage error")

// EventMessageAppended is published after every successful append.
const EventMessageAppended = "session.message.appended"

// EventFunc receives store events for fan-out to the bus.
type EventFunc func(event string, data map[string]any)

// Store owns all sessions, keyed by canonical session key. Mutations are
// serialized per store; persistence is write-behind JSON files under dir.
type Store struct {
	mu       sync.Mutex
	dir      string
	sessions map[string]*models.Session
	dirty    map[string]bool
	logger   *slog.Logger
	now      func() time.Time
	emit     EventFunc
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithEvents sets the event sink for store notifications.
func WithEvents(emit EventFunc) StoreOption {
	return func(s *Store) { s.emit = emit }
}

// NewStore creates a session store rooted at dir. Existing session files
// are loaded eagerly; unreadable files are skipped with a warning.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dir:      dir,
		sessions: make(map[string]*models.Session),
		dirty:    make(map[string]bool),
		logger:   slog.Default().With("component", "sessions"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
		s.loadAll()
	}
	return s, nil
}

func (s *Store) loadAll() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("read session dir failed", "dir", s.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("read session file failed", "path", path, "error", err)
			continue
		}
		var sess models.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Warn("parse session file failed", "path", path, "error", err)
			continue
		}
		if sess.Key == "" {
			continue
		}
		s.sessions[sess.Key] = &sess
	}
}

// GetOrCreate returns the session for key, creating and persisting a new
// one on miss.
func (s *Store) GetOrCreate(key string) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return sess
	}

	now := s.now()
	sess := &models.Session{
		ID:           uuid.NewString(),
		Key:          key,
		Messages:     []models.Message{},
		CreatedAt:    now,
		LastActiveAt: now,
	}
	s.sessions[key] = sess
	s.persistLocked(sess)
	return sess
}

// Get returns the session for key, or nil.
func (s *Store) Get(key string) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[key]
}

// List returns all sessions sorted by last activity, newest first.
func (s *Store) List() []*models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out
}

// ListByChannel returns sessions whose key contains the given channel
// segment (e.g. "telegram").
func (s *Store) ListByChannel(channel string) []*models.Session {
	needle := ":" + normalizeToken(channel) + ":"
	all := s.List()
	out := make([]*models.Session, 0, len(all))
	for _, sess := range all {
		if strings.Contains(sess.Key, needle) {
			out = append(out, sess)
		}
	}
	return out
}

// AppendMessage atomically appends a message to the session and persists.
func (s *Store) AppendMessage(sess *models.Session, msg models.Message) {
	s.mu.Lock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	sess.Messages = append(sess.Messages, msg)
	sess.LastActiveAt = s.now()
	s.persistLocked(sess)
	emit := s.emit
	s.mu.Unlock()

	if emit != nil {
		emit(EventMessageAppended, map[string]any{
			"sessionKey": sess.Key,
			"sessionId":  sess.ID,
			"role":       string(msg.Role),
		})
	}
}

// ReplaceMessages swaps the session history wholesale (compaction, reset).
func (s *Store) ReplaceMessages(sess *models.Session, messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.Messages = messages
	sess.LastActiveAt = s.now()
	s.persistLocked(sess)
}

// Clear empties a session's history but keeps the session itself.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return
	}
	sess.Messages = []models.Message{}
	sess.LastActiveAt = s.now()
	s.persistLocked(sess)
}

// Delete removes a session and its file.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		return
	}
	delete(s.sessions, key)
	delete(s.dirty, key)
	if s.dir != "" {
		if err := os.Remove(s.sessionPath(key)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove session file failed", "key", key, "error", err)
		}
	}
}

// persistLocked writes the session file, best effort. On failure the
// session is marked dirty and retried on the next mutation.
func (s *Store) persistLocked(sess *models.Session) {
	if s.dir == "" {
		return
	}

	// Retry anything that failed earlier.
	for key := range s.dirty {
		if key == sess.Key {
			continue
		}
		if prev, ok := s.sessions[key]; ok {
			if err := s.writeSession(prev); err == nil {
				delete(s.dirty, key)
			}
		} else {
			delete(s.dirty, key)
		}
	}

	if err := s.writeSession(sess); err != nil {
		s.dirty[sess.Key] = true
		s.logger.Error("persist session failed", "key", sess.Key, "error", fmt.Errorf("%w: %v", ErrStorage, err))
		return
	}
	delete(s.dirty, sess.Key)
}

func (s *Store) writeSession(sess *models.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.sessionPath(sess.Key), data)
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func (s *Store) sessionPath(key string) string {
	name := unsafePathChars.ReplaceAllString(key, "-")
	if len(name) > 200 {
		name = name[:200]
	}
	return filepath.Join(s.dir, name+".json")
}

// writeFileAtomic writes via a temp file and rename so readers never see
// a partial session.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
