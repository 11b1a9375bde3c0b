package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/openclaw/internal/agent"
	"github.com/haasonsaas/openclaw/internal/channels"
	"github.com/haasonsaas/openclaw/internal/compaction"
	"github.com/haasonsaas/openclaw/internal/cron"
	"github.com/haasonsaas/openclaw/internal/pairing"
	"github.com/haasonsaas/openclaw/internal/sessions"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// stubMethods are dispatchable but answer UNAVAILABLE: the subsystem is
// not part of this build.
var stubMethods = map[string]string{
	"config.set":            "config mutation",
	"config.patch":          "config mutation",
	"config.apply":          "config mutation",
	"channels.connect":      "channel lifecycle control",
	"channels.disconnect":   "channel lifecycle control",
	"channels.logout":       "channel lifecycle control",
	"exec.approval.request": "exec approvals",
	"exec.approval.resolve": "exec approvals",
	"exec.approval.list":    "exec approvals",
	"exec.approval.approve": "exec approvals",
	"exec.approval.deny":    "exec approvals",
	"exec.approval.timeout": "exec approvals",
	"memory.search":         "memory",
	"memory.add":            "memory",
	"memory.sync":           "memory",
	"node.list":             "nodes",
	"node.describe":         "nodes",
	"node.invoke":           "nodes",
	"node.register":         "nodes",
	"node.unregister":       "nodes",
	"node.status":           "nodes",
	"node.update":           "nodes",
	"node.capabilities":     "nodes",
	"plugins.list":          "plugin management",
	"plugins.install":       "plugin management",
	"plugins.uninstall":     "plugin management",
	"plugins.enable":        "plugin management",
	"plugins.disable":       "plugin management",
	"tts.status":            "text to speech",
	"tts.enable":            "text to speech",
	"tts.disable":           "text to speech",
	"tts.convert":           "text to speech",
	"tts.providers":         "text to speech",
	"system.presence":       "system control",
	"system.event":          "system control",
	"system.shutdown":       "system control",
	"system.restart":        "system control",
	"voicewake.get":         "voice wake",
	"voicewake.set":         "voice wake",
	"web.login.start":       "web login",
	"web.login.wait":        "web login",
	"wizard.start":          "setup wizard",
	"wizard.next":           "setup wizard",
	"wizard.cancel":         "setup wizard",
	"wizard.status":         "setup wizard",
}

func (c *wsSession) handleRequest(frame *Frame) {
	if reason, ok := stubMethods[frame.Method]; ok {
		c.sendErrorFrame(frame.ID, unavailable(reason))
		return
	}

	var payload any
	var wsErr *Error
	switch frame.Method {
	case "ping":
		payload = map[string]any{"timestamp": time.Now().UnixMilli()}
	case "health":
		payload = map[string]any{
			"status":   "ok",
			"uptimeMs": time.Since(c.server.startTime).Milliseconds(),
		}
	case "status":
		payload = c.server.statusSnapshot()
	case "config.get":
		payload = c.server.redactedConfig()
	case "agent":
		payload, wsErr = c.handleAgent(frame)
	case "agent.wait":
		payload, wsErr = c.handleAgentWait(frame)
	case "chat.send":
		payload, wsErr = c.handleChatSend(frame)
	case "chat.history":
		payload, wsErr = c.handleChatHistory(frame)
	case "chat.abort":
		payload, wsErr = c.handleChatAbort(frame)
	case "chat.steer":
		payload, wsErr = c.handleChatSteer(frame)
	case "chat.inject":
		payload, wsErr = c.handleChatInject(frame)
	case "sessions.list":
		payload, wsErr = c.handleSessionsList(frame)
	case "sessions.preview":
		payload, wsErr = c.handleChatHistory(frame)
	case "sessions.resolve":
		payload, wsErr = c.handleSessionsResolve(frame)
	case "sessions.patch":
		payload, wsErr = c.handleSessionsPatch(frame)
	case "sessions.reset":
		payload, wsErr = c.handleSessionsReset(frame)
	case "sessions.delete":
		payload, wsErr = c.handleSessionsDelete(frame)
	case "sessions.compact":
		payload, wsErr = c.handleSessionsCompact(frame)
	case "channels.list":
		payload = c.server.channelsList()
	case "channels.status":
		payload = c.server.channelsStatus()
	case "channels.send":
		payload, wsErr = c.handleChannelsSend(frame)
	case "channels.pair.list":
		payload, wsErr = c.handleChannelPairList(frame)
	case "channels.pair.approve":
		payload, wsErr = c.handleChannelPair(frame, true)
	case "channels.pair.reject":
		payload, wsErr = c.handleChannelPair(frame, false)
	case "cron.list":
		payload, wsErr = c.handleCronList()
	case "cron.status":
		payload, wsErr = c.handleCronStatus()
	case "cron.add":
		payload, wsErr = c.handleCronAdd(frame)
	case "cron.update":
		payload, wsErr = c.handleCronUpdate(frame)
	case "cron.remove":
		payload, wsErr = c.handleCronRemove(frame)
	case "cron.run":
		payload, wsErr = c.handleCronRun(frame)
	case "cron.runs":
		payload, wsErr = c.handleCronRuns(frame)
	case "device.pair.list":
		payload, wsErr = c.handleDevicePairList()
	case "device.pair.approve":
		payload, wsErr = c.handleDevicePairApprove(frame)
	case "device.pair.reject":
		payload, wsErr = c.handleDevicePairReject(frame)
	case "device.token.rotate":
		payload, wsErr = c.handleDeviceTokenRotate(frame)
	case "device.token.revoke":
		payload, wsErr = c.handleDeviceTokenRevoke(frame)
	case "models.list":
		payload = c.server.modelsList()
	case "logs.tail":
		payload, wsErr = c.handleLogsTail(frame)
	default:
		wsErr = invalidRequest("unknown method %q", frame.Method)
	}

	if wsErr != nil {
		c.sendErrorFrame(frame.ID, wsErr)
		return
	}
	c.sendResponse(frame.ID, true, payload, nil)
}

func supportedMethods() []string {
	methods := []string{
		"connect", "ping", "health", "status", "config.get",
		"agent", "agent.wait",
		"chat.send", "chat.history", "chat.abort", "chat.steer", "chat.inject",
		"sessions.list", "sessions.preview", "sessions.resolve",
		"sessions.patch", "sessions.reset", "sessions.delete", "sessions.compact",
		"channels.list", "channels.status", "channels.send",
		"channels.pair.list", "channels.pair.approve", "channels.pair.reject",
		"cron.list", "cron.status", "cron.add", "cron.update",
		"cron.remove", "cron.run", "cron.runs",
		"device.pair.list", "device.pair.approve", "device.pair.reject",
		"device.token.rotate", "device.token.revoke",
		"models.list", "logs.tail",
	}
	for name := range stubMethods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

type agentParams struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId"`
	Stream     bool   `json:"stream"`
	TimeoutMs  int64  `json:"timeoutMs"`
}

func (c *wsSession) handleAgent(frame *Frame) (any, *Error) {
	var params agentParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad agent params: %s", err.Error())
	}
	sessionKey := c.server.resolveSessionKey(params.SessionKey, params.AgentID)

	if params.Stream {
		run := c.server.startRun(c.ctx, sessionKey, params.Message, func(ev agent.Event) {
			c.sendEvent("agent.event", agentEventPayload(sessionKey, ev))
		})
		return map[string]any{"runId": run.id, "status": "accepted"}, nil
	}

	ctx := c.ctx
	if params.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	reply, err := c.server.runner.RunTurn(ctx, sessionKey, params.Message, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Code: CodeAgentTimeout, Message: "agent turn timed out"}
		}
		return nil, invalidRequest("agent turn failed: %s", err.Error())
	}
	return map[string]any{"sessionKey": sessionKey, "text": reply}, nil
}

func (c *wsSession) handleAgentWait(frame *Frame) (any, *Error) {
	var params struct {
		RunID     string `json:"runId"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad agent.wait params: %s", err.Error())
	}
	run := c.server.getRun(params.RunID)
	if run == nil {
		return nil, invalidRequest("unknown run %q", params.RunID)
	}

	timeout := 60 * time.Second
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	select {
	case <-run.done:
	case <-time.After(timeout):
		return nil, &Error{Code: CodeAgentTimeout, Message: "run did not finish in time"}
	case <-c.ctx.Done():
		return nil, unavailable("connection closing")
	}
	c.server.dropRun(run.id)
	if run.err != nil {
		return nil, invalidRequest("agent turn failed: %s", run.err.Error())
	}
	return map[string]any{"runId": run.id, "sessionKey": run.sessionKey, "text": run.reply}, nil
}

func agentEventPayload(sessionKey string, ev agent.Event) map[string]any {
	payload := map[string]any{
		"sessionKey": sessionKey,
		"type":       string(ev.Type),
		"turn":       ev.Turn,
	}
	if ev.Text != "" {
		payload["text"] = ev.Text
	}
	if ev.ToolCall != nil {
		payload["tool"] = ev.ToolCall.Name
	}
	if ev.Err != nil {
		payload["error"] = ev.Err.Error()
	}
	return payload
}

func (c *wsSession) handleChatSend(frame *Frame) (any, *Error) {
	var params struct {
		SessionKey string `json:"sessionKey"`
		Text       string `json:"text"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad chat.send params: %s", err.Error())
	}
	sessionKey := c.server.resolveSessionKey(params.SessionKey, "")
	reply, err := c.server.runner.RunTurn(c.ctx, sessionKey, params.Text, nil)
	if err != nil {
		return nil, invalidRequest("chat.send failed: %s", err.Error())
	}
	return map[string]any{"sessionKey": sessionKey, "text": reply}, nil
}

func (c *wsSession) handleChatHistory(frame *Frame) (any, *Error) {
	var params struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad params: %s", err.Error())
	}
	sess := c.server.store.Get(params.SessionKey)
	if sess == nil {
		return nil, invalidRequest("unknown session %q", params.SessionKey)
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	msgs := sess.Messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return map[string]any{"sessionKey": sess.Key, "messages": msgs}, nil
}

func (c *wsSession) handleChatAbort(frame *Frame) (any, *Error) {
	var params struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad chat.abort params: %s", err.Error())
	}
	aborted := c.server.runner.Abort(params.SessionKey)
	return map[string]any{"aborted": aborted}, nil
}

func (c *wsSession) handleChatSteer(frame *Frame) (any, *Error) {
	var params struct {
		SessionKey string `json:"sessionKey"`
		Text       string `json:"text"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad chat.steer params: %s", err.Error())
	}
	steered := c.server.runner.Steer(params.SessionKey, params.Text)
	return map[string]any{"steered": steered}, nil
}

func (c *wsSession) handleChatInject(frame *Frame) (any, *Error) {
	var params struct {
		SessionKey string `json:"sessionKey"`
		Text       string `json:"text"`
		Role       string `json:"role"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad chat.inject params: %s", err.Error())
	}
	role := params.Role
	if role == "" {
		role = "user"
	}
	c.server.runner.Inject(params.SessionKey, role, params.Text)
	return map[string]any{"injected": true}, nil
}

func (c *wsSession) handleSessionsList(frame *Frame) (any, *Error) {
	var params struct {
		Channel string `json:"channel"`
		Limit   int    `json:"limit"`
	}
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, invalidRequest("bad sessions.list params: %s", err.Error())
		}
	}

	var list []*models.Session
	if params.Channel != "" {
		list = c.server.store.ListByChannel(params.Channel)
	} else {
		list = c.server.store.List()
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if len(list) > limit {
		list = list[:limit]
	}

	summaries := make([]map[string]any, 0, len(list))
	for _, sess := range list {
		summaries = append(summaries, map[string]any{
			"key":          sess.Key,
			"id":           sess.ID,
			"messages":     len(sess.Messages),
			"createdAt":    sess.CreatedAt,
			"lastActiveAt": sess.LastActiveAt,
		})
	}
	return map[string]any{"sessions": summaries}, nil
}

func (c *wsSession) handleSessionsResolve(frame *Frame) (any, *Error) {
	var params struct {
		AgentID   string `json:"agentId"`
		Channel   string `json:"channel"`
		PeerKind  string `json:"peerKind"`
		PeerID    string `json:"peerId"`
		AccountID string `json:"accountId"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad sessions.resolve params: %s", err.Error())
	}
	agentID := params.AgentID
	if agentID == "" {
		agentID = c.server.cfg.Agents.Default
	}
	key := sessions.BuildAgentPeerSessionKey(sessions.PeerSessionParams{
		AgentID:   agentID,
		MainKey:   sessions.DefaultMainKey,
		Channel:   params.Channel,
		PeerKind:  params.PeerKind,
		PeerID:    params.PeerID,
		AccountID: params.AccountID,
		DMScope:   c.server.cfg.DMScope(params.Channel),
	})
	return map[string]any{"sessionKey": key}, nil
}

func (c *wsSession) handleSessionsPatch(frame *Frame) (any, *Error) {
	var params struct {
		SessionKey string         `json:"sessionKey"`
		Metadata   map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad sessions.patch params: %s", err.Error())
	}
	sess := c.server.store.Get(params.SessionKey)
	if sess == nil {
		return nil, invalidRequest("unknown session %q", params.SessionKey)
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	for k, v := range params.Metadata {
		sess.Metadata[k] = v
	}
	// Touch through the store so the patch persists.
	c.server.store.ReplaceMessages(sess, sess.Messages)
	return map[string]any{"key": sess.Key, "metadata": sess.Metadata}, nil
}

func (c *wsSession) handleSessionsReset(frame *Frame) (any, *Error) {
	var params struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad sessions.reset params: %s", err.Error())
	}
	c.server.store.Clear(params.SessionKey)
	return map[string]any{"reset": true}, nil
}

func (c *wsSession) handleSessionsDelete(frame *Frame) (any, *Error) {
	var params struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad sessions.delete params: %s", err.Error())
	}
	c.server.store.Delete(params.SessionKey)
	return map[string]any{"deleted": true}, nil
}

func (c *wsSession) handleSessionsCompact(frame *Frame) (any, *Error) {
	var params struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad sessions.compact params: %s", err.Error())
	}
	sess := c.server.store.Get(params.SessionKey)
	if sess == nil {
		return nil, invalidRequest("unknown session %q", params.SessionKey)
	}
	window := c.server.cfg.Session.ContextWindow
	if window <= 0 {
		window = compaction.DefaultContextWindow
	}
	before := len(sess.Messages)
	compacted, err := compaction.Compact(c.ctx, sessions.SanitizeHistory(sess.Messages), window/2, compaction.Options{
		Strategy: compaction.Strategy(c.server.cfg.Session.CompactionStrategy),
	})
	if err != nil {
		return nil, invalidRequest("compaction failed: %s", err.Error())
	}
	c.server.store.ReplaceMessages(sess, compacted)
	return map[string]any{"before": before, "after": len(compacted)}, nil
}

func (c *wsSession) handleChannelsSend(frame *Frame) (any, *Error) {
	var params struct {
		Channel string `json:"channel"`
		ChatID  string `json:"chatId"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad channels.send params: %s", err.Error())
	}
	out := &channels.Outbound{ChatID: params.ChatID, Text: params.Text}
	if err := c.server.manager.Send(c.ctx, models.ChannelType(params.Channel), out); err != nil {
		if errors.Is(err, channels.ErrUnknownChannel) {
			return nil, &Error{Code: CodeNotLinked, Message: "channel not registered: " + params.Channel}
		}
		return nil, invalidRequest("send failed: %s", err.Error())
	}
	return map[string]any{"sent": true}, nil
}

func (c *wsSession) handleChannelPairList(frame *Frame) (any, *Error) {
	var params struct {
		Channel string `json:"channel"`
	}
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, invalidRequest("bad params: %s", err.Error())
		}
	}
	if params.Channel == "" {
		return nil, invalidRequest("channel is required")
	}
	pending, err := c.server.allowlistFor(params.Channel).Pending()
	if err != nil {
		return nil, invalidRequest("pairing list failed: %s", err.Error())
	}
	return map[string]any{"pending": pending}, nil
}

func (c *wsSession) handleChannelPair(frame *Frame, approve bool) (any, *Error) {
	var params struct {
		Channel string `json:"channel"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad params: %s", err.Error())
	}
	if params.Channel == "" || params.Code == "" {
		return nil, invalidRequest("channel and code are required")
	}
	store := c.server.allowlistFor(params.Channel)
	var req pairing.CodeRequest
	var err error
	if approve {
		req, err = store.ApproveCode(params.Code)
	} else {
		req, err = store.DenyCode(params.Code)
	}
	if err != nil {
		if errors.Is(err, pairing.ErrCodeNotFound) {
			return nil, &Error{Code: CodeNotPaired, Message: "pairing code not found"}
		}
		return nil, invalidRequest("pairing failed: %s", err.Error())
	}
	return map[string]any{"senderId": req.SenderID, "approved": approve}, nil
}

func (c *wsSession) handleCronList() (any, *Error) {
	if c.server.cron == nil {
		return nil, unavailable("cron")
	}
	return map[string]any{"jobs": c.server.cron.List()}, nil
}

func (c *wsSession) handleCronStatus() (any, *Error) {
	if c.server.cron == nil {
		return nil, unavailable("cron")
	}
	return c.server.cron.Status(), nil
}

type cronJobParams struct {
	ID             string          `json:"id,omitempty"`
	Name           string          `json:"name"`
	Enabled        bool            `json:"enabled"`
	Schedule       json.RawMessage `json:"schedule"`
	Payload        json.RawMessage `json:"payload"`
	DeleteAfterRun bool            `json:"deleteAfterRun"`
}

func (p cronJobParams) spec() (cron.JobSpec, error) {
	var spec cron.JobSpec
	spec.Name = p.Name
	spec.Enabled = p.Enabled
	spec.DeleteAfterRun = p.DeleteAfterRun
	if err := json.Unmarshal(p.Schedule, &spec.Schedule); err != nil {
		return spec, err
	}
	if err := json.Unmarshal(p.Payload, &spec.Payload); err != nil {
		return spec, err
	}
	return spec, nil
}

func (c *wsSession) handleCronAdd(frame *Frame) (any, *Error) {
	if c.server.cron == nil {
		return nil, unavailable("cron")
	}
	var params cronJobParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad cron.add params: %s", err.Error())
	}
	spec, err := params.spec()
	if err != nil {
		return nil, invalidRequest("bad cron.add params: %s", err.Error())
	}
	job, err := c.server.cron.Add(spec)
	if err != nil {
		return nil, invalidRequest("cron.add failed: %s", err.Error())
	}
	return job, nil
}

func (c *wsSession) handleCronUpdate(frame *Frame) (any, *Error) {
	if c.server.cron == nil {
		return nil, unavailable("cron")
	}
	var params cronJobParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad cron.update params: %s", err.Error())
	}
	spec, err := params.spec()
	if err != nil {
		return nil, invalidRequest("bad cron.update params: %s", err.Error())
	}
	job, err := c.server.cron.Update(params.ID, spec)
	if err != nil {
		if errors.Is(err, cron.ErrJobNotFound) {
			return nil, invalidRequest("unknown job %q", params.ID)
		}
		return nil, invalidRequest("cron.update failed: %s", err.Error())
	}
	return job, nil
}

func (c *wsSession) handleCronRemove(frame *Frame) (any, *Error) {
	if c.server.cron == nil {
		return nil, unavailable("cron")
	}
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad cron.remove params: %s", err.Error())
	}
	if err := c.server.cron.Remove(params.ID); err != nil {
		return nil, invalidRequest("cron.remove failed: %s", err.Error())
	}
	return map[string]any{"removed": true}, nil
}

func (c *wsSession) handleCronRun(frame *Frame) (any, *Error) {
	if c.server.cron == nil {
		return nil, unavailable("cron")
	}
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad cron.run params: %s", err.Error())
	}
	if err := c.server.cron.RunNow(c.ctx, params.ID); err != nil {
		return nil, invalidRequest("cron.run failed: %s", err.Error())
	}
	return map[string]any{"ran": true}, nil
}

func (c *wsSession) handleCronRuns(frame *Frame) (any, *Error) {
	if c.server.cron == nil {
		return nil, unavailable("cron")
	}
	var params struct {
		ID    string `json:"id"`
		Limit int    `json:"limit"`
	}
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, invalidRequest("bad cron.runs params: %s", err.Error())
		}
	}
	return map[string]any{"runs": c.server.cron.Runs(params.ID, params.Limit)}, nil
}

func (c *wsSession) handleDevicePairList() (any, *Error) {
	if c.server.devices == nil {
		return nil, unavailable("device pairing")
	}
	pending, err := c.server.devices.ListPending()
	if err != nil {
		return nil, invalidRequest("pairing list failed: %s", err.Error())
	}
	return map[string]any{"pending": pending}, nil
}

func (c *wsSession) handleDevicePairApprove(frame *Frame) (any, *Error) {
	if c.server.devices == nil {
		return nil, unavailable("device pairing")
	}
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad params: %s", err.Error())
	}
	token, err := c.server.devices.Approve(params.ID)
	if err != nil {
		return nil, devicePairingError(err)
	}
	return map[string]any{
		"deviceId": token.DeviceID,
		"token":    token.Token,
		"scopes":   token.Scopes,
	}, nil
}

func (c *wsSession) handleDevicePairReject(frame *Frame) (any, *Error) {
	if c.server.devices == nil {
		return nil, unavailable("device pairing")
	}
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad params: %s", err.Error())
	}
	if err := c.server.devices.Reject(params.ID); err != nil {
		return nil, devicePairingError(err)
	}
	return map[string]any{"rejected": true}, nil
}

func (c *wsSession) handleDeviceTokenRotate(frame *Frame) (any, *Error) {
	if c.server.devices == nil {
		return nil, unavailable("device pairing")
	}
	var params struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad params: %s", err.Error())
	}
	token, err := c.server.devices.Rotate(params.DeviceID)
	if err != nil {
		return nil, devicePairingError(err)
	}
	return map[string]any{"deviceId": token.DeviceID, "token": token.Token}, nil
}

func (c *wsSession) handleDeviceTokenRevoke(frame *Frame) (any, *Error) {
	if c.server.devices == nil {
		return nil, unavailable("device pairing")
	}
	var params struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return nil, invalidRequest("bad params: %s", err.Error())
	}
	if err := c.server.devices.Revoke(params.DeviceID); err != nil {
		return nil, devicePairingError(err)
	}
	return map[string]any{"revoked": true}, nil
}

func devicePairingError(err error) *Error {
	switch {
	case errors.Is(err, pairing.ErrRequestNotFound), errors.Is(err, pairing.ErrDeviceNotFound):
		return &Error{Code: CodeNotPaired, Message: err.Error()}
	case errors.Is(err, pairing.ErrRequestExpired):
		return &Error{Code: CodeNotPaired, Message: "pairing request expired"}
	default:
		return invalidRequest("pairing failed: %s", err.Error())
	}
}

func (c *wsSession) handleLogsTail(frame *Frame) (any, *Error) {
	if c.server.logs == nil {
		return nil, unavailable("log buffer")
	}
	var params struct {
		Lines int `json:"lines"`
	}
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, invalidRequest("bad logs.tail params: %s", err.Error())
		}
	}
	if params.Lines <= 0 {
		params.Lines = 100
	}
	return map[string]any{"lines": c.server.logs.Tail(params.Lines)}, nil
}

// resolveSessionKey normalizes caller-supplied keys; empty keys land on
// the default agent's main session.
func (s *Server) resolveSessionKey(key, agentID string) string {
	key = strings.TrimSpace(key)
	if key != "" {
		return key
	}
	if agentID == "" {
		agentID = s.cfg.Agents.Default
	}
	return sessions.BuildAgentMainSessionKey(agentID, sessions.DefaultMainKey)
}

func (s *Server) allowlistFor(channel string) *pairing.AllowlistStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.allowlist[channel]
	if !ok {
		store = pairing.NewAllowlistStore(channel, s.cfg.StateDir)
		s.allowlist[channel] = store
	}
	return store
}

func (s *Server) statusSnapshot() map[string]any {
	snapshot := map[string]any{
		"uptimeMs": time.Since(s.startTime).Milliseconds(),
		"sessions": len(s.store.List()),
		"channels": s.channelsStatus(),
	}
	if s.cron != nil {
		snapshot["cron"] = s.cron.Status()
	}
	return snapshot
}

func (s *Server) channelsList() map[string]any {
	type entry struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	list := []entry{
		{"telegram", s.cfg.Channels.Telegram.Enabled},
		{"discord", s.cfg.Channels.Discord.Enabled},
		{"slack", s.cfg.Channels.Slack.Enabled},
	}
	return map[string]any{"channels": list}
}

func (s *Server) channelsStatus() []map[string]any {
	statuses := s.manager.Status()
	out := make([]map[string]any, 0, len(statuses))
	for _, st := range statuses {
		entry := map[string]any{
			"channel":  string(st.Channel),
			"state":    string(st.State),
			"restarts": st.Restarts,
			"since":    st.Since,
		}
		if st.LastError != "" {
			entry["error"] = st.LastError
		}
		out = append(out, entry)
	}
	return out
}

func (s *Server) modelsList() map[string]any {
	type entry struct {
		ID      string `json:"id"`
		AgentID string `json:"agentId"`
		Role    string `json:"role"`
	}
	var list []entry
	for agentID, agentCfg := range s.cfg.Agents.Items {
		if agentCfg.Model != "" {
			list = append(list, entry{agentCfg.Model, agentID, "primary"})
		}
		for _, fallback := range agentCfg.FallbackModels {
			list = append(list, entry{fallback, agentID, "fallback"})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].AgentID != list[j].AgentID {
			return list[i].AgentID < list[j].AgentID
		}
		return list[i].ID < list[j].ID
	})
	return map[string]any{"models": list}
}

// redactedConfig is the config.get payload: structure without secrets.
func (s *Server) redactedConfig() map[string]any {
	cfg := s.cfg
	return map[string]any{
		"stateDir":  cfg.StateDir,
		"workspace": cfg.Workspace,
		"gateway": map[string]any{
			"host":             cfg.Gateway.Host,
			"port":             cfg.Gateway.Port,
			"authMode":         string(cfg.Gateway.AuthMode),
			"allowLocalDirect": cfg.Gateway.AllowLocalDirect,
		},
		"agents": map[string]any{
			"default": cfg.Agents.Default,
			"count":   len(cfg.Agents.Items),
		},
		"cron": map[string]any{"enabled": cfg.Cron.Enabled},
	}
}
