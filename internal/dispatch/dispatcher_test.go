package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/openclaw/internal/agent"
	"github.com/haasonsaas/openclaw/internal/channels"
	"github.com/haasonsaas/openclaw/internal/config"
	"github.com/haasonsaas/openclaw/internal/pairing"
	"github.com/haasonsaas/openclaw/internal/sessions"
	"github.com/haasonsaas/openclaw/internal/tools"
	"github.com/haasonsaas/openclaw/pkg/models"
)

type scriptedProvider struct {
	mu    sync.Mutex
	texts []string
	calls int
}

func (p *scriptedProvider) Name() string { return "anthropic" }

func (p *scriptedProvider) Stream(ctx context.Context, messages []models.Message, opts agent.StreamOptions) (<-chan agent.ProviderEvent, error) {
	p.mu.Lock()
	text := "ok"
	if p.calls < len(p.texts) {
		text = p.texts[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	events := make(chan agent.ProviderEvent, 4)
	events <- agent.ProviderEvent{Type: agent.ProviderTextDelta, Text: text}
	events <- agent.ProviderEvent{Type: agent.ProviderDone}
	close(events)
	return events, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type sinkPlugin struct {
	mu   sync.Mutex
	sent []*channels.Outbound
	id   models.ChannelType
}

func (s *sinkPlugin) ID() models.ChannelType     { return s.id }
func (s *sinkPlugin) Capabilities() channels.Capabilities {
	return channels.Capabilities{MaxMessageLen: 4096}
}
func (s *sinkPlugin) Start(ctx context.Context) error { return nil }
func (s *sinkPlugin) Stop(ctx context.Context) error  { return nil }
func (s *sinkPlugin) Envelopes() <-chan *models.InboundEnvelope {
	return make(chan *models.InboundEnvelope)
}
func (s *sinkPlugin) Send(ctx context.Context, out *channels.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, out)
	return nil
}
func (s *sinkPlugin) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, o := range s.sent {
		out = append(out, o.Text)
	}
	return out
}

func newTestDispatcher(t *testing.T, provider agent.StreamProvider) (*Dispatcher, *sinkPlugin, *sessions.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Agents.Default = "main"
	cfg.Agents.Items = map[string]config.AgentConfig{
		"main": {Model: "claude-sonnet-4-20250514"},
	}
	cfg.LLM.DefaultProvider = "anthropic"
	cfg.Channels.Telegram = config.ChannelConfig{Enabled: true, BotToken: "t", Owner: "99"}

	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	plugin := &sinkPlugin{id: models.ChannelTelegram}
	manager := channels.NewManager(nil)
	manager.Register(plugin)

	d := New(cfg, store, manager, tools.NewRegistry(),
		map[string]agent.StreamProvider{"anthropic": provider})
	return d, plugin, store
}

func dmEnvelope(messageID, text string) *models.InboundEnvelope {
	return &models.InboundEnvelope{
		ChannelID: "telegram",
		MessageID: messageID,
		SenderID:  "42",
		ChatID:    "42",
		ChatType:  models.ChatDirect,
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestHandleDeliversReply(t *testing.T) {
	provider := &scriptedProvider{texts: []string{"hello from the agent"}}
	d, plugin, store := newTestDispatcher(t, provider)

	d.Handle(context.Background(), dmEnvelope("m1", "hi"))

	texts := plugin.sentTexts()
	if len(texts) != 1 || texts[0] != "hello from the agent" {
		t.Fatalf("sent = %v", texts)
	}

	// User and assistant messages persisted on the DM session key.
	sess := store.Get("agent:main:main")
	if sess == nil {
		t.Fatal("session not created")
	}
	if len(sess.Messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(sess.Messages))
	}
}

func TestHandleSuppressesSilentReply(t *testing.T) {
	provider := &scriptedProvider{texts: []string{"NO_REPLY"}}
	d, plugin, _ := newTestDispatcher(t, provider)

	d.Handle(context.Background(), dmEnvelope("m1", "ping"))

	if texts := plugin.sentTexts(); len(texts) != 0 {
		t.Errorf("silent reply delivered: %v", texts)
	}
}

func TestHandleDropsDuplicates(t *testing.T) {
	provider := &scriptedProvider{}
	d, _, _ := newTestDispatcher(t, provider)

	env := dmEnvelope("same-id", "hi")
	d.Handle(context.Background(), env)
	d.Handle(context.Background(), env)

	if provider.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", provider.callCount())
	}
}

func TestHandleStatusCommandSkipsAgent(t *testing.T) {
	provider := &scriptedProvider{}
	d, plugin, _ := newTestDispatcher(t, provider)

	d.Handle(context.Background(), dmEnvelope("m1", "/status"))

	if provider.callCount() != 0 {
		t.Error("command triggered an agent turn")
	}
	texts := plugin.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "session:") {
		t.Errorf("status reply = %v", texts)
	}
}

func TestHandleResetOwnerGatedInGroups(t *testing.T) {
	provider := &scriptedProvider{}
	d, plugin, _ := newTestDispatcher(t, provider)

	env := dmEnvelope("m1", "/reset")
	env.ChatType = models.ChatGroup
	env.ChatID = "g1"
	env.Metadata = map[string]any{"bot_mentioned": true}
	d.Handle(context.Background(), env)

	texts := plugin.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "owner") {
		t.Errorf("non-owner reset reply = %v", texts)
	}

	// The configured owner (sender 99) may reset.
	env2 := dmEnvelope("m2", "/reset")
	env2.ChatType = models.ChatGroup
	env2.ChatID = "g1"
	env2.SenderID = "99"
	env2.Metadata = map[string]any{"bot_mentioned": true}
	d.Handle(context.Background(), env2)

	texts = plugin.sentTexts()
	if got := texts[len(texts)-1]; !strings.Contains(got, "cleared") {
		t.Errorf("owner reset reply = %q", got)
	}
}

// toolCallProvider asks for one bash call on its first stream, then
// answers with text. It records the tool names offered to it.
type toolCallProvider struct {
	mu      sync.Mutex
	calls   int
	offered [][]string
}

func (p *toolCallProvider) Name() string { return "anthropic" }

func (p *toolCallProvider) Stream(ctx context.Context, messages []models.Message, opts agent.StreamOptions) (<-chan agent.ProviderEvent, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	var names []string
	for _, tool := range opts.Tools {
		names = append(names, tool.Name)
	}
	p.offered = append(p.offered, names)
	p.mu.Unlock()

	events := make(chan agent.ProviderEvent, 4)
	if call == 0 {
		events <- agent.ProviderEvent{Type: agent.ProviderToolCall, ToolCall: &models.ToolCall{
			ID:     "t1",
			Name:   "bash",
			Params: json.RawMessage(`{"command":"ls"}`),
		}}
	} else {
		events <- agent.ProviderEvent{Type: agent.ProviderTextDelta, Text: "done"}
	}
	events <- agent.ProviderEvent{Type: agent.ProviderDone}
	close(events)
	return events, nil
}

func TestHandleEnforcesToolPolicy(t *testing.T) {
	provider := &toolCallProvider{}

	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Agents.Default = "main"
	cfg.Agents.Items = map[string]config.AgentConfig{
		"main": {
			Model:     "claude-sonnet-4-20250514",
			ToolsDeny: []string{"bash", "group:runtime"},
		},
	}
	cfg.LLM.DefaultProvider = "anthropic"
	cfg.Tools.Profile = "minimal"
	cfg.Channels.Telegram = config.ChannelConfig{Enabled: true, BotToken: "t"}

	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	plugin := &sinkPlugin{id: models.ChannelTelegram}
	manager := channels.NewManager(nil)
	manager.Register(plugin)

	var bashRan bool
	registry := tools.NewRegistry()
	for _, tt := range []struct {
		name string
		ran  *bool
	}{
		{"bash", &bashRan},
		{"session_status", nil},
	} {
		ran := tt.ran
		if err := registry.Register(&tools.FuncTool{
			ToolName: tt.name,
			Desc:     tt.name,
			Fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
				if ran != nil {
					*ran = true
				}
				return tools.TextResult("ok"), nil
			},
		}); err != nil {
			t.Fatal(err)
		}
	}

	d := New(cfg, store, manager, registry,
		map[string]agent.StreamProvider{"anthropic": provider})
	d.Handle(context.Background(), dmEnvelope("m1", "run it"))

	if bashRan {
		t.Fatal("bash executed despite tools_deny and minimal profile")
	}
	if provider.callCount() < 1 || len(provider.offered[0]) != 1 || provider.offered[0][0] != "session_status" {
		t.Errorf("tools offered to provider = %v", provider.offered)
	}
}

func (p *toolCallProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// gatedProvider blocks its first stream until released, so a test can
// reach into the turn while it is running.
type gatedProvider struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (p *gatedProvider) Name() string { return "anthropic" }

func (p *gatedProvider) Stream(ctx context.Context, messages []models.Message, opts agent.StreamOptions) (<-chan agent.ProviderEvent, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()

	events := make(chan agent.ProviderEvent, 4)
	go func() {
		defer close(events)
		if call == 0 {
			close(p.started)
			<-p.release
			events <- agent.ProviderEvent{Type: agent.ProviderTextDelta, Text: "first"}
		} else {
			events <- agent.ProviderEvent{Type: agent.ProviderTextDelta, Text: "got it"}
		}
		events <- agent.ProviderEvent{Type: agent.ProviderDone}
	}()
	return events, nil
}

func (p *gatedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestInjectReachesRunningTurn(t *testing.T) {
	provider := &gatedProvider{started: make(chan struct{}), release: make(chan struct{})}
	d, plugin, store := newTestDispatcher(t, provider)

	done := make(chan struct{})
	go func() {
		d.Handle(context.Background(), dmEnvelope("m1", "start"))
		close(done)
	}()

	<-provider.started
	d.Inject("agent:main:main", "user", "one more thing")
	close(provider.release)
	<-done

	// The injected follow-up triggered a second provider iteration.
	if provider.callCount() != 2 {
		t.Fatalf("provider called %d times, want 2", provider.callCount())
	}
	texts := plugin.sentTexts()
	if len(texts) != 2 || texts[0] != "first" || texts[1] != "got it" {
		t.Errorf("sent = %v", texts)
	}

	sess := store.Get("agent:main:main")
	if sess == nil {
		t.Fatal("session not created")
	}
	found := false
	for _, msg := range sess.Messages {
		if msg.Role == models.RoleUser && msg.Content == "one more thing" {
			found = true
		}
	}
	if !found {
		t.Error("injected message not persisted")
	}
}

func TestInjectWithoutRunningTurnAppendsToHistory(t *testing.T) {
	provider := &scriptedProvider{}
	d, _, store := newTestDispatcher(t, provider)

	d.Inject("agent:main:main", "system", "remember this")

	sess := store.Get("agent:main:main")
	if sess == nil || len(sess.Messages) != 1 {
		t.Fatalf("session = %+v", sess)
	}
	if sess.Messages[0].Role != models.RoleSystem || sess.Messages[0].Content != "remember this" {
		t.Errorf("message = %+v", sess.Messages[0])
	}
}

func TestHandleDeliversOneSendPerMessage(t *testing.T) {
	provider := &chunkedProvider{chunks: []string{"Well, ", "let me ", "think."}}
	d, plugin, _ := newTestDispatcher(t, provider)

	d.Handle(context.Background(), dmEnvelope("m1", "hm"))

	texts := plugin.sentTexts()
	if len(texts) != 1 || texts[0] != "Well, let me think." {
		t.Fatalf("sent = %v, want one coalesced reply", texts)
	}
}

// chunkedProvider streams one reply as several mid-sentence deltas.
type chunkedProvider struct {
	chunks []string
}

func (p *chunkedProvider) Name() string { return "anthropic" }

func (p *chunkedProvider) Stream(ctx context.Context, messages []models.Message, opts agent.StreamOptions) (<-chan agent.ProviderEvent, error) {
	events := make(chan agent.ProviderEvent, len(p.chunks)+1)
	for _, chunk := range p.chunks {
		events <- agent.ProviderEvent{Type: agent.ProviderTextDelta, Text: chunk}
	}
	events <- agent.ProviderEvent{Type: agent.ProviderDone}
	close(events)
	return events, nil
}

func TestHandleDMPairingGate(t *testing.T) {
	provider := &scriptedProvider{texts: []string{"hello again"}}

	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Agents.Default = "main"
	cfg.Agents.Items = map[string]config.AgentConfig{
		"main": {Model: "claude-sonnet-4-20250514"},
	}
	cfg.LLM.DefaultProvider = "anthropic"
	cfg.Channels.Telegram = config.ChannelConfig{
		Enabled: true, BotToken: "t", DMPolicy: "pairing",
	}

	store, err := sessions.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	plugin := &sinkPlugin{id: models.ChannelTelegram}
	manager := channels.NewManager(nil)
	manager.Register(plugin)

	d := New(cfg, store, manager, tools.NewRegistry(),
		map[string]agent.StreamProvider{"anthropic": provider})

	// Unknown sender: no agent turn, just a pairing-code reply.
	d.Handle(context.Background(), dmEnvelope("m1", "hi"))
	if provider.callCount() != 0 {
		t.Fatal("unpaired sender triggered an agent turn")
	}
	texts := plugin.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "pairing code") {
		t.Fatalf("pairing reply = %v", texts)
	}

	// A repeat message reuses the same code rather than minting another.
	d.Handle(context.Background(), dmEnvelope("m2", "hello?"))
	texts = plugin.sentTexts()
	if len(texts) != 2 || texts[0] != texts[1] {
		t.Fatalf("pairing replies differ: %v", texts)
	}

	// Owner approves the pending code out of band.
	pstore := pairing.NewAllowlistStore("telegram", cfg.StateDir)
	pending, err := pstore.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].SenderID != "42" {
		t.Fatalf("pending = %+v", pending)
	}
	if _, err := pstore.ApproveCode(pending[0].Code); err != nil {
		t.Fatal(err)
	}

	// Approved sender now reaches the agent.
	d.Handle(context.Background(), dmEnvelope("m3", "hi again"))
	if provider.callCount() != 1 {
		t.Fatalf("provider called %d times after approval, want 1", provider.callCount())
	}
	texts = plugin.sentTexts()
	if got := texts[len(texts)-1]; got != "hello again" {
		t.Errorf("post-approval reply = %q", got)
	}
}

func TestHandleGroupPolicyMentions(t *testing.T) {
	provider := &scriptedProvider{}
	d, _, _ := newTestDispatcher(t, provider)

	env := dmEnvelope("m1", "just chatting")
	env.ChatType = models.ChatGroup
	env.ChatID = "g1"
	env.Metadata = map[string]any{}
	d.Handle(context.Background(), env)

	if provider.callCount() != 0 {
		t.Error("unmentioned group message triggered a turn")
	}
}
