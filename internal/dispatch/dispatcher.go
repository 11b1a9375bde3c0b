package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/openclaw/internal/agent"
	"github.com/haasonsaas/openclaw/internal/bus"
	"github.com/haasonsaas/openclaw/internal/channels"
	"github.com/haasonsaas/openclaw/internal/compaction"
	"github.com/haasonsaas/openclaw/internal/config"
	"github.com/haasonsaas/openclaw/internal/infra"
	"github.com/haasonsaas/openclaw/internal/observability"
	"github.com/haasonsaas/openclaw/internal/pairing"
	"github.com/haasonsaas/openclaw/internal/reply"
	"github.com/haasonsaas/openclaw/internal/sessions"
	"github.com/haasonsaas/openclaw/internal/tools"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// dedupeTTL is the inbound duplicate suppression window.
const dedupeTTL = 10 * time.Minute

// Dispatcher ties the channel manager to the agent loop: every inbound
// envelope flows through dedupe, access control, and commands before it
// becomes a serialized agent turn.
type Dispatcher struct {
	cfg       *config.Config
	store     *sessions.Store
	manager   *channels.Manager
	registry  *tools.Registry
	providers map[string]agent.StreamProvider
	lanes     *infra.LaneQueue
	dedupe    *infra.EnvelopeDeduper
	events    *bus.Bus
	metrics   *observability.Metrics
	logger    *slog.Logger

	// systemContext is workspace material appended to every agent's
	// system prompt.
	systemContext string

	mu       sync.Mutex
	active   map[string]*activeTurn
	verbose  map[string]bool
	pairings map[string]*pairing.AllowlistStore
}

// activeTurn tracks one running turn: its cancel func and the live
// steering queue reaching into the loop.
type activeTurn struct {
	cancel context.CancelFunc
	queue  *agent.SteeringQueue
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBus attaches the event bus for lifecycle events.
func WithBus(b *bus.Bus) Option {
	return func(d *Dispatcher) { d.events = b }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger.With("component", "dispatch") }
}

// WithSystemContext appends workspace bootstrap content to every
// agent's system prompt.
func WithSystemContext(text string) Option {
	return func(d *Dispatcher) { d.systemContext = strings.TrimSpace(text) }
}

// New creates a dispatcher. Providers are keyed by provider name
// (anthropic, openai).
func New(cfg *config.Config, store *sessions.Store, manager *channels.Manager, registry *tools.Registry, providers map[string]agent.StreamProvider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		manager:   manager,
		registry:  registry,
		providers: providers,
		lanes:     infra.NewLaneQueue(infra.DefaultGlobalConcurrency),
		dedupe:    infra.NewEnvelopeDeduper(dedupeTTL),
		logger:    slog.Default().With("component", "dispatch"),
		active:    make(map[string]*activeTurn),
		verbose:   make(map[string]bool),
		pairings:  make(map[string]*pairing.AllowlistStore),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes the manager's envelope stream until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-d.manager.Envelopes():
			if !ok {
				return
			}
			go d.Handle(ctx, env)
		}
	}
}

// Handle routes one envelope. Exposed so the gateway can inject
// synthetic envelopes.
func (d *Dispatcher) Handle(ctx context.Context, env *models.InboundEnvelope) {
	if d.metrics != nil {
		d.metrics.MessageReceived(env.ChannelID, string(env.ChatType))
	}

	if d.dedupe.IsDuplicate(env) {
		if d.metrics != nil {
			d.metrics.DedupeHits.Inc()
		}
		d.logger.Debug("duplicate envelope dropped", "fingerprint", env.Fingerprint())
		return
	}

	chcfg, _ := d.cfg.Channel(env.ChannelID)

	if !SenderAllowed(env, chcfg.Allowlist) {
		d.logger.Info("sender not in allowlist", "channel", env.ChannelID, "sender", env.SenderID)
		return
	}
	if !d.dmAdmitted(ctx, env, chcfg) {
		return
	}
	if !ShouldEngage(env, chcfg.Groups) {
		return
	}

	text := env.Text
	for _, mention := range env.Mentions {
		text = StripBotMention(text, mention, mention)
	}

	sessionKey := d.sessionKey(env, chcfg)

	if cmd, _, ok := ParseCommand(text); ok {
		d.handleCommand(ctx, env, chcfg, sessionKey, cmd)
		return
	}

	text, directives := ExtractDirectives(text)
	if directives.HasVerbose {
		d.mu.Lock()
		d.verbose[sessionKey] = directives.Verbose
		d.mu.Unlock()
	}
	if strings.TrimSpace(text) == "" && len(env.Attachments) == 0 {
		return
	}

	d.publish("message.received", map[string]any{
		"channel": env.ChannelID,
		"session": sessionKey,
		"sender":  env.SenderID,
	})

	turnCtx := ctx
	if directives.HasThinking {
		turnCtx = agent.WithThinkingLevel(turnCtx, directives.ThinkingLevel)
	}

	if _, err := d.lanes.EnqueueTurn(turnCtx, sessionKey, func(ctx context.Context) (any, error) {
		return nil, d.runTurn(ctx, env, sessionKey, text)
	}); err != nil && ctx.Err() == nil {
		d.logger.Error("turn failed", "session", sessionKey, "error", err)
	}
}

// Abort cancels the active turn on a session, if any.
func (d *Dispatcher) Abort(sessionKey string) bool {
	return d.cancelActive(sessionKey)
}

// RunTurn executes one agent turn on sessionKey for a caller outside the
// channel path (the gateway). Events stream to onEvent when non-nil; the
// return value is the final reply text with directives stripped.
func (d *Dispatcher) RunTurn(ctx context.Context, sessionKey, text string, onEvent func(agent.Event)) (string, error) {
	result, err := d.lanes.EnqueueTurn(ctx, sessionKey, func(ctx context.Context) (any, error) {
		return d.runDirectTurn(ctx, sessionKey, text, onEvent)
	})
	out, _ := result.(string)
	return out, err
}

// Steer interrupts the running turn on sessionKey: remaining tool calls
// in the current batch are skipped and the text is injected as a user
// message. Returns false when nothing is running there.
func (d *Dispatcher) Steer(sessionKey, text string) bool {
	d.mu.Lock()
	turn, ok := d.active[sessionKey]
	d.mu.Unlock()
	if !ok {
		return false
	}
	turn.queue.SteerText(text)
	return true
}

// Inject adds a message to a session. When a turn is running on the key
// the text rides its steering queue as a follow-up, so the agent sees it
// before the turn settles; otherwise it is appended to stored history.
func (d *Dispatcher) Inject(sessionKey, role, text string) {
	d.mu.Lock()
	turn, ok := d.active[sessionKey]
	d.mu.Unlock()
	if ok {
		turn.queue.FollowUp(&agent.FollowUpMessage{Content: text, Role: models.Role(role)})
		return
	}
	sess := d.store.GetOrCreate(sessionKey)
	d.store.AppendMessage(sess, models.Message{
		Role:      models.Role(role),
		Content:   text,
		Timestamp: time.Now(),
	})
}

func (d *Dispatcher) runDirectTurn(ctx context.Context, sessionKey, text string, onEvent func(agent.Event)) (string, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	queue := agent.NewSteeringQueue()
	turnCtx = agent.WithSteeringQueue(turnCtx, queue)
	d.setActive(sessionKey, cancel, queue)
	defer d.clearActive(sessionKey)

	sess := d.store.GetOrCreate(sessionKey)
	history := sessions.SanitizeHistory(sess.Messages)

	window := d.cfg.Session.ContextWindow
	if window <= 0 {
		window = compaction.DefaultContextWindow
	}
	if compacted, err := compaction.Compact(turnCtx, history, window, compaction.Options{
		Strategy: compaction.Strategy(d.cfg.Session.CompactionStrategy),
	}); err == nil {
		history = compacted
	}

	userMsg := models.Message{Role: models.RoleUser, Content: text, Timestamp: time.Now()}
	d.store.AppendMessage(sess, userMsg)
	history = append(history, userMsg)

	agentCfg := d.cfg.AgentFor(sessions.ResolveAgentIDFromSessionKey(sessionKey))
	provider := d.providerFor(agentCfg.Model)
	if provider == nil {
		return "", agent.ErrNoProvider
	}

	// Control-plane callers act as the owner.
	loop := agent.NewLoop(provider, d.toolView(agentCfg, sessionKey, true), agent.Config{
		Model:          agentCfg.Model,
		FallbackModels: agentCfg.FallbackModels,
		SystemPrompt:   d.systemPrompt(agentCfg),
		MaxIterations:  agentCfg.MaxIterations,
	},
		agent.WithLogger(d.logger),
		agent.WithOnMessage(func(msg models.Message) {
			d.store.AppendMessage(sess, msg)
		}),
	)

	acc := reply.NewAccumulator()
	var parts []string
	collect := func(payload *reply.ParsedReply) {
		if payload == nil || payload.IsSilent {
			return
		}
		if trimmed := strings.TrimSpace(payload.Text); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}

	events, err := loop.Run(turnCtx, history)
	if err != nil {
		return "", err
	}
	var turnErr error
	for ev := range events {
		if onEvent != nil {
			onEvent(ev)
		}
		switch ev.Type {
		case agent.EventMessageEnd:
			// One assistant message is one logical reply; feeding whole
			// messages keeps it from fragmenting across deltas.
			if ev.Message != nil {
				collect(acc.Consume(ev.Message.Content, false))
			}
		case agent.EventError:
			turnErr = ev.Err
		}
	}
	collect(acc.Consume("", true))
	return strings.Join(parts, "\n"), turnErr
}

// dmAdmitted enforces the channel's dm_policy. Under "pairing", an
// unknown DM sender gets a short code to relay to the owner instead of
// an agent turn; approval lands them on the persisted allowlist.
func (d *Dispatcher) dmAdmitted(ctx context.Context, env *models.InboundEnvelope, chcfg config.ChannelConfig) bool {
	if chcfg.DMPolicy != "pairing" || env.ChatType != models.ChatDirect {
		return true
	}

	store := d.pairingStore(env.ChannelID)
	allowed, err := store.Allowlist()
	if err != nil {
		d.logger.Error("pairing allowlist read failed", "channel", env.ChannelID, "error", err)
		return false
	}
	if SenderAllowed(env, allowed) && len(allowed) > 0 {
		return true
	}

	req, created, err := store.GetOrCreateCode(env.SenderID, env.SenderName)
	if err != nil {
		d.logger.Error("pairing code issue failed", "channel", env.ChannelID, "error", err)
		return false
	}
	if created {
		d.publish("pairing.requested", map[string]any{
			"channel": env.ChannelID,
			"sender":  env.SenderID,
			"code":    req.Code,
		})
	}
	d.respond(ctx, env,
		"You're not paired with this agent yet. Ask the owner to approve pairing code "+req.Code+".")
	return false
}

func (d *Dispatcher) pairingStore(channel string) *pairing.AllowlistStore {
	d.mu.Lock()
	defer d.mu.Unlock()
	store, ok := d.pairings[channel]
	if !ok {
		store = pairing.NewAllowlistStore(channel, d.cfg.StateDir)
		d.pairings[channel] = store
	}
	return store
}

// sessionKey builds the store key for an envelope.
func (d *Dispatcher) sessionKey(env *models.InboundEnvelope, chcfg config.ChannelConfig) string {
	peerKind := "dm"
	peerID := env.SenderID
	switch env.ChatType {
	case models.ChatGroup:
		peerKind, peerID = "group", env.ChatID
	case models.ChatChannel:
		peerKind, peerID = "channel", env.ChatID
	}
	return sessions.BuildAgentPeerSessionKey(sessions.PeerSessionParams{
		AgentID:   d.cfg.Agents.Default,
		MainKey:   sessions.DefaultMainKey,
		Channel:   env.ChannelID,
		PeerKind:  peerKind,
		PeerID:    peerID,
		AccountID: env.AccountID,
		DMScope:   d.cfg.DMScope(env.ChannelID),
	})
}

// runTurn executes one agent turn and delivers its replies.
func (d *Dispatcher) runTurn(ctx context.Context, env *models.InboundEnvelope, sessionKey, text string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	queue := agent.NewSteeringQueue()
	turnCtx = agent.WithSteeringQueue(turnCtx, queue)
	d.setActive(sessionKey, cancel, queue)
	defer d.clearActive(sessionKey)

	channelType := models.ChannelType(env.ChannelID)
	chatID := env.ChatID
	d.manager.SendTyping(turnCtx, channelType, chatID)

	sess := d.store.GetOrCreate(sessionKey)
	history := d.prepareHistory(turnCtx, env, sess)

	userMsg := buildUserMessage(env, text)
	d.store.AppendMessage(sess, userMsg)
	history = append(history, userMsg)

	agentCfg := d.cfg.AgentFor(sessions.ResolveAgentIDFromSessionKey(sessionKey))
	provider := d.providerFor(agentCfg.Model)
	if provider == nil {
		return agent.ErrNoProvider
	}

	chcfg, _ := d.cfg.Channel(env.ChannelID)
	loopCfg := agent.Config{
		Model:          agentCfg.Model,
		FallbackModels: agentCfg.FallbackModels,
		SystemPrompt:   d.systemPrompt(agentCfg),
		MaxIterations:  agentCfg.MaxIterations,
	}
	loop := agent.NewLoop(provider, d.toolView(agentCfg, sessionKey, IsOwner(env, chcfg.Owner)), loopCfg,
		agent.WithLogger(d.logger),
		agent.WithOnMessage(func(msg models.Message) {
			d.store.AppendMessage(sess, msg)
		}),
	)

	start := time.Now()
	acc := reply.NewAccumulator()
	delivered := false
	suppressed := false
	var turnErr error

	events, err := loop.Run(turnCtx, history)
	if err != nil {
		return err
	}
	for ev := range events {
		switch ev.Type {
		case agent.EventMessageEnd:
			// Deliver whole assistant messages: mid-sentence deltas must
			// not fragment one logical reply into several sends.
			if ev.Message != nil {
				if payload := acc.Consume(ev.Message.Content, false); payload != nil {
					sent, silent := d.deliver(turnCtx, env, payload)
					delivered = delivered || sent
					suppressed = suppressed || silent
				}
			}
			if ev.Usage != nil && d.metrics != nil {
				d.metrics.RecordTokens(provider.Name(), loopCfg.Model, ev.Usage.InputTokens, ev.Usage.OutputTokens)
			}
		case agent.EventToolExecutionEnd:
			if d.metrics != nil && ev.ToolCall != nil {
				status := "success"
				if ev.Result != nil && ev.Result.IsError {
					status = "error"
				}
				d.metrics.RecordToolExecution(ev.ToolCall.Name, status)
			}
		case agent.EventError:
			turnErr = ev.Err
		}
	}

	if payload := acc.Consume("", true); payload != nil {
		sent, silent := d.deliver(turnCtx, env, payload)
		delivered = delivered || sent
		suppressed = suppressed || silent
	}

	status := "success"
	switch {
	case turnErr != nil:
		status = "error"
		d.logger.Error("agent turn ended with error", "session", sessionKey, "error", turnErr)
	case !delivered && !suppressed:
		if d.metrics != nil {
			d.metrics.ReplySuppressed("empty")
		}
	}
	if d.metrics != nil {
		d.metrics.RecordTurn(d.cfg.Agents.Default, status, time.Since(start).Seconds())
	}
	d.publish("turn.completed", map[string]any{
		"session": sessionKey,
		"status":  status,
	})
	return turnErr
}

// prepareHistory sanitizes, trims, and compacts stored history.
func (d *Dispatcher) prepareHistory(ctx context.Context, env *models.InboundEnvelope, sess *models.Session) []models.Message {
	history := sessions.SanitizeHistory(sess.Messages)

	if env.ChatType == models.ChatDirect {
		if limit := d.cfg.DMHistoryLimit(env.ChannelID, env.SenderID); limit > 0 {
			history = sessions.LimitHistoryTurns(history, limit)
		}
	}

	window := d.cfg.Session.ContextWindow
	if window <= 0 {
		window = compaction.DefaultContextWindow
	}
	compacted, err := compaction.Compact(ctx, history, window, compaction.Options{
		Strategy: compaction.Strategy(d.cfg.Session.CompactionStrategy),
	})
	if err != nil {
		d.logger.Warn("history compaction failed, using raw history", "error", err)
		return history
	}
	return compacted
}

// deliver sends one parsed payload. Returns (sent, suppressedSilent).
func (d *Dispatcher) deliver(ctx context.Context, env *models.InboundEnvelope, payload *reply.ParsedReply) (bool, bool) {
	if payload.IsSilent {
		if d.metrics != nil {
			d.metrics.ReplySuppressed("no_reply_token")
		}
		return false, true
	}
	if !payload.HasRenderableContent() {
		return false, false
	}

	channelType := models.ChannelType(env.ChannelID)
	plugin, ok := d.manager.Get(channelType)
	var caps channels.Capabilities
	if ok {
		caps = plugin.Capabilities()
	}

	replyTo := payload.ReplyToID
	if payload.ReplyToCurrent {
		replyTo = env.MessageID
	}

	sent := false
	for _, chunk := range ChunkText(payload.Text, caps.MaxMessageLen) {
		out := &channels.Outbound{ChatID: env.ChatID, Text: chunk, ReplyTo: replyTo}
		if err := d.manager.Send(ctx, channelType, out); err != nil {
			d.logger.Error("delivery failed", "channel", env.ChannelID, "error", err)
			return sent, false
		}
		sent = true
		replyTo = "" // only the first chunk threads
		if d.metrics != nil {
			d.metrics.ReplySent(env.ChannelID, "text")
		}
	}

	urls := payload.MediaURLs
	if payload.MediaURL != "" {
		urls = append([]string{payload.MediaURL}, urls...)
	}
	for _, url := range urls {
		out := &channels.Outbound{
			ChatID:       env.ChatID,
			Attachments:  []models.Attachment{{Type: classifyMediaURL(url), URL: url}},
			AudioAsVoice: payload.AudioAsVoice,
		}
		if err := d.manager.Send(ctx, channelType, out); err != nil {
			d.logger.Error("media delivery failed", "channel", env.ChannelID, "error", err)
			continue
		}
		sent = true
		if d.metrics != nil {
			kind := "media"
			if payload.AudioAsVoice {
				kind = "voice"
			}
			d.metrics.ReplySent(env.ChannelID, kind)
		}
	}
	return sent, false
}

func (d *Dispatcher) handleCommand(ctx context.Context, env *models.InboundEnvelope, chcfg config.ChannelConfig, sessionKey string, cmd Command) {
	if ownerOnlyCommands[cmd] && env.ChatType != models.ChatDirect && !IsOwner(env, chcfg.Owner) {
		d.respond(ctx, env, "Only the channel owner can use /"+string(cmd)+" here.")
		return
	}

	switch cmd {
	case CommandHelp:
		d.respond(ctx, env, helpText)

	case CommandStatus:
		sess := d.store.GetOrCreate(sessionKey)
		agentCfg := d.cfg.AgentFor(d.cfg.Agents.Default)
		d.respond(ctx, env, fmt.Sprintf(
			"session: %s\nmessages: %d\nmodel: %s\nqueued turns: %d",
			sessionKey, len(sess.Messages), agentCfg.Model,
			d.lanes.QueueSize("session:"+sessionKey)))

	case CommandReset:
		d.store.Clear(sessionKey)
		d.respond(ctx, env, "Session cleared.")

	case CommandCompact:
		sess := d.store.GetOrCreate(sessionKey)
		window := d.cfg.Session.ContextWindow
		if window <= 0 {
			window = compaction.DefaultContextWindow
		}
		before := len(sess.Messages)
		compacted, err := compaction.Compact(ctx, sessions.SanitizeHistory(sess.Messages), window/2, compaction.Options{
			Strategy: compaction.Strategy(d.cfg.Session.CompactionStrategy),
		})
		if err != nil {
			d.respond(ctx, env, "Compaction failed: "+err.Error())
			return
		}
		d.store.ReplaceMessages(sess, compacted)
		d.respond(ctx, env, fmt.Sprintf("Compacted %d messages to %d.", before, len(compacted)))

	case CommandStop:
		if d.cancelActive(sessionKey) {
			d.respond(ctx, env, "Stopped the running turn.")
		} else {
			d.respond(ctx, env, "Nothing is running.")
		}
	}
}

const helpText = `Commands:
/status  show session info
/reset   clear this session's history
/compact shrink this session's history
/stop    cancel the running turn
/help    this message

Inline: /think off|minimal|low|medium|high|max, /verbose on|off`

func (d *Dispatcher) respond(ctx context.Context, env *models.InboundEnvelope, text string) {
	out := &channels.Outbound{ChatID: env.ChatID, Text: text}
	if err := d.manager.Send(ctx, models.ChannelType(env.ChannelID), out); err != nil {
		d.logger.Error("command response failed", "channel", env.ChannelID, "error", err)
	}
}

// systemPrompt joins the agent's configured prompt with the shared
// workspace context.
func (d *Dispatcher) systemPrompt(agentCfg config.AgentConfig) string {
	if d.systemContext == "" {
		return agentCfg.SystemPrompt
	}
	if agentCfg.SystemPrompt == "" {
		return d.systemContext
	}
	return agentCfg.SystemPrompt + "\n\n" + d.systemContext
}

// toolView resolves the layered tool policy (global, then agent, then
// sandbox for non-main sessions) into a filtered registry view for one
// turn. An unconfigured global profile means full access.
func (d *Dispatcher) toolView(agentCfg config.AgentConfig, sessionKey string, isOwner bool) *tools.View {
	global := &tools.Policy{
		Profile: tools.Profile(d.cfg.Tools.Profile),
		Allow:   d.cfg.Tools.Allow,
		Deny:    d.cfg.Tools.Deny,
	}
	if global.Profile == "" {
		global.Profile = tools.ProfileFull
	}

	set := tools.PolicySet{
		Global:      global,
		SandboxMode: d.cfg.Tools.SandboxMode,
	}
	if agentCfg.ToolProfile != "" || len(agentCfg.ToolsAllow) > 0 || len(agentCfg.ToolsDeny) > 0 {
		set.Agent = &tools.Policy{
			Profile: tools.Profile(agentCfg.ToolProfile),
			Allow:   agentCfg.ToolsAllow,
			Deny:    agentCfg.ToolsDeny,
		}
	}
	if set.SandboxMode != "" {
		set.Sandbox = &tools.Policy{
			Allow: d.cfg.Tools.SandboxAllow,
			Deny:  d.cfg.Tools.SandboxDeny,
		}
	}

	parsed := sessions.ParseAgentSessionKey(sessionKey)
	mainSession := parsed != nil && parsed.Rest == sessions.DefaultMainKey
	return d.registry.View(set.Resolve(mainSession), isOwner)
}

func (d *Dispatcher) providerFor(model string) agent.StreamProvider {
	name := d.cfg.LLM.DefaultProvider
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		name = "anthropic"
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		name = "openai"
	}
	if p, ok := d.providers[name]; ok {
		return p
	}
	for _, p := range d.providers {
		return p
	}
	return nil
}

func (d *Dispatcher) publish(eventType string, data map[string]any) {
	if d.events != nil {
		d.events.Publish(eventType, data)
	}
}

func (d *Dispatcher) setActive(key string, cancel context.CancelFunc, queue *agent.SteeringQueue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[key] = &activeTurn{cancel: cancel, queue: queue}
}

func (d *Dispatcher) clearActive(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, key)
}

func (d *Dispatcher) cancelActive(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if turn, ok := d.active[key]; ok {
		turn.cancel()
		delete(d.active, key)
		return true
	}
	return false
}

// buildUserMessage converts an envelope into a history entry, folding
// image attachments into content blocks.
func buildUserMessage(env *models.InboundEnvelope, text string) models.Message {
	msg := models.Message{
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: env.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var blocks []models.ContentBlock
	for _, att := range env.Attachments {
		if att.Type == "image" {
			blocks = append(blocks, models.ContentBlock{
				Type:     "image",
				ImageURL: att.URL,
				MimeType: att.MimeType,
			})
		}
	}
	if len(blocks) > 0 {
		blocks = append([]models.ContentBlock{{Type: "text", Text: text}}, blocks...)
		msg.Blocks = blocks
	}
	return msg
}

// classifyMediaURL guesses an attachment type from the URL's extension.
func classifyMediaURL(url string) string {
	lower := strings.ToLower(url)
	switch {
	case hasAnySuffix(lower, ".png", ".jpg", ".jpeg", ".gif", ".webp"):
		return "image"
	case hasAnySuffix(lower, ".mp3", ".ogg", ".wav", ".m4a", ".opus"):
		return "audio"
	case hasAnySuffix(lower, ".mp4", ".mov", ".webm"):
		return "video"
	}
	return "document"
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}
