package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/openclaw/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestStoreGetOrCreate(t *testing.T) {
	store := newTestStore(t)

	sess := store.GetOrCreate("agent:main:main")
	if sess.ID == "" {
		t.Fatal("expected session id to be assigned")
	}
	if sess.Key != "agent:main:main" {
		t.Errorf("key = %q", sess.Key)
	}

	again := store.GetOrCreate("agent:main:main")
	if again.ID != sess.ID {
		t.Errorf("second GetOrCreate returned a different session: %s vs %s", again.ID, sess.ID)
	}
}

func TestStoreAppendAndPersist(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	sess := store.GetOrCreate("agent:main:telegram:dm:123")
	store.AppendMessage(sess, models.Message{Role: models.RoleUser, Content: "hello"})
	store.AppendMessage(sess, models.Message{Role: models.RoleAssistant, Content: "hi"})

	if len(sess.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(sess.Messages))
	}

	// Reload from disk into a fresh store.
	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore reload: %v", err)
	}
	got := reloaded.Get("agent:main:telegram:dm:123")
	if got == nil {
		t.Fatal("session not reloaded from disk")
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "hi" {
		t.Errorf("reloaded messages = %+v", got.Messages)
	}
	if got.ID != sess.ID {
		t.Errorf("session id changed across reload")
	}
}

func TestStoreAppendEmitsEvent(t *testing.T) {
	var events []string
	store, err := NewStore(t.TempDir(), WithEvents(func(event string, data map[string]any) {
		events = append(events, event)
	}))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	sess := store.GetOrCreate("agent:main:main")
	store.AppendMessage(sess, models.Message{Role: models.RoleUser, Content: "x"})

	if len(events) != 1 || events[0] != EventMessageAppended {
		t.Errorf("events = %v, want [%s]", events, EventMessageAppended)
	}
}

func TestStoreClearAndDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	sess := store.GetOrCreate("agent:main:main")
	store.AppendMessage(sess, models.Message{Role: models.RoleUser, Content: "x"})

	store.Clear("agent:main:main")
	if len(store.Get("agent:main:main").Messages) != 0 {
		t.Error("clear did not empty history")
	}

	store.Delete("agent:main:main")
	if store.Get("agent:main:main") != nil {
		t.Error("delete left session behind")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			t.Errorf("session file %s left behind after delete", e.Name())
		}
	}
}

func TestStoreListByChannel(t *testing.T) {
	store := newTestStore(t)

	store.GetOrCreate("agent:main:telegram:dm:1")
	store.GetOrCreate("agent:main:discord:dm:2")
	store.GetOrCreate("agent:main:telegram:group:g1")

	got := store.ListByChannel("telegram")
	if len(got) != 2 {
		t.Fatalf("telegram sessions = %d, want 2", len(got))
	}
	for _, sess := range got {
		if !strings.Contains(sess.Key, ":telegram:") {
			t.Errorf("unexpected session %q", sess.Key)
		}
	}
}

func TestSessionPathSanitized(t *testing.T) {
	store := newTestStore(t)
	sess := store.GetOrCreate("agent:main:telegram:dm:user/with:odd chars")
	path := store.sessionPath(sess.Key)
	base := filepath.Base(path)
	if strings.ContainsAny(base, ":/ ") {
		t.Errorf("session filename %q contains unsafe characters", base)
	}
}
