package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/openclaw/internal/agent"
	"github.com/haasonsaas/openclaw/internal/bus"
	"github.com/haasonsaas/openclaw/internal/channels"
	"github.com/haasonsaas/openclaw/internal/config"
	"github.com/haasonsaas/openclaw/internal/cron"
	"github.com/haasonsaas/openclaw/internal/observability"
	"github.com/haasonsaas/openclaw/internal/pairing"
	"github.com/haasonsaas/openclaw/internal/sessions"
)

// AgentRunner is the slice of the dispatcher the gateway drives.
type AgentRunner interface {
	RunTurn(ctx context.Context, sessionKey, text string, onEvent func(agent.Event)) (string, error)
	Abort(sessionKey string) bool
	Steer(sessionKey, text string) bool
	Inject(sessionKey, role, text string)
}

// Server accepts WebSocket control-plane connections, authenticates
// them, dispatches RPC methods, and fans out bus events.
type Server struct {
	cfg       *config.Config
	store     *sessions.Store
	manager   *channels.Manager
	runner    AgentRunner
	cron      *cron.Service
	devices   *pairing.DeviceStore
	allowlist map[string]*pairing.AllowlistStore
	events    *bus.Bus
	metrics   *observability.Metrics
	logs      *observability.LogBuffer
	auth      *Authenticator
	logger    *slog.Logger

	upgrader  websocket.Upgrader
	startTime time.Time

	httpServer *http.Server
	listener   net.Listener

	mu   sync.Mutex
	runs map[string]*agentRun
}

type agentRun struct {
	id         string
	sessionKey string
	done       chan struct{}
	reply      string
	err        error
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCron attaches the cron service for cron.* methods.
func WithCron(svc *cron.Service) ServerOption {
	return func(s *Server) { s.cron = svc }
}

// WithDevices attaches the device pairing store.
func WithDevices(devices *pairing.DeviceStore) ServerOption {
	return func(s *Server) { s.devices = devices }
}

// WithBus attaches the event bus for per-connection fan-out.
func WithBus(b *bus.Bus) ServerOption {
	return func(s *Server) { s.events = b }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithLogBuffer attaches the log ring backing logs.tail.
func WithLogBuffer(buf *observability.LogBuffer) ServerOption {
	return func(s *Server) { s.logs = buf }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger.With("component", "gateway") }
}

// NewServer builds the gateway. It does not bind until Start.
func NewServer(cfg *config.Config, store *sessions.Store, manager *channels.Manager, runner AgentRunner, opts ...ServerOption) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		manager:   manager,
		runner:    runner,
		allowlist: make(map[string]*pairing.AllowlistStore),
		logger:    slog.Default().With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
		runs:      make(map[string]*agentRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.auth = NewAuthenticator(cfg.Gateway, s.devices)
	return s
}

// Start binds the listener and serves until Stop. The bind is
// synchronous so configuration errors surface immediately.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Gateway.Host, strconv.Itoa(s.cfg.Gateway.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleWS(ctx, w, r)
	})
	mux.Handle("/metrics", promhttp.Handler())
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway serve failed", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the HTTP server down, closing all connections.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &wsSession{
		server:     s,
		conn:       conn,
		remoteAddr: r.RemoteAddr,
		send:       make(chan []byte, sendBufferSize),
		ctx:        sessCtx,
		cancel:     cancel,
	}

	if s.metrics != nil {
		s.metrics.GatewayConnections.Inc()
	}
	go sess.writeLoop()
	go sess.readLoop()
}

type wsSession struct {
	server     *Server
	conn       *websocket.Conn
	remoteAddr string
	send       chan []byte
	ctx        context.Context
	cancel     context.CancelFunc

	connected  atomic.Bool
	authMethod AuthMethod
	seq        int64

	subOnce sync.Once
	sub     *bus.Subscription
}

func (c *wsSession) close() {
	c.cancel()
	_ = c.conn.Close()
	if c.sub != nil && c.server.events != nil {
		c.server.events.Unsubscribe(c.sub)
	}
	if c.server.metrics != nil {
		c.server.metrics.GatewayConnections.Dec()
	}
}

func (c *wsSession) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := c.decodeFrame(raw)
		if err != nil {
			id := ""
			if frame != nil {
				id = frame.ID
			}
			c.sendErrorFrame(id, invalidRequest("%s", err.Error()))
			continue
		}

		if !c.connected.Load() {
			if frame.Method != "connect" {
				c.sendErrorFrame(frame.ID, invalidRequest("handshake required: call connect first"))
				continue
			}
			c.handleConnect(frame)
			continue
		}
		if frame.Method == "connect" {
			c.sendErrorFrame(frame.ID, invalidRequest("already connected"))
			continue
		}

		c.handleRequest(frame)
	}
}

func (c *wsSession) writeLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsSession) decodeFrame(raw []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return &frame, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if err := validateRequestFrame(raw, &frame); err != nil {
		return &frame, err
	}
	return &frame, nil
}

type connectParams struct {
	MinProtocol int `json:"minProtocol"`
	MaxProtocol int `json:"maxProtocol"`
	Client      struct {
		ID       string `json:"id"`
		Version  string `json:"version"`
		Platform string `json:"platform"`
	} `json:"client"`
	Auth *Credentials `json:"auth"`
}

func (c *wsSession) handleConnect(frame *Frame) {
	var params connectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.sendErrorFrame(frame.ID, invalidRequest("bad connect params: %s", err.Error()))
			return
		}
	}

	minProto, maxProto := params.MinProtocol, params.MaxProtocol
	if minProto <= 0 {
		minProto = protocolVersion
	}
	if maxProto <= 0 {
		maxProto = protocolVersion
	}
	if protocolVersion < minProto || protocolVersion > maxProto {
		c.sendErrorFrame(frame.ID, invalidRequest("unsupported protocol range %d-%d", minProto, maxProto))
		return
	}

	creds := Credentials{}
	if params.Auth != nil {
		creds = *params.Auth
	}
	result := c.server.auth.Authenticate(c.remoteAddr, creds)
	if !result.OK {
		c.server.logger.Warn("connection rejected",
			"remote", c.remoteAddr, "method", string(result.Method), "reason", result.Reason)
		c.sendErrorFrame(frame.ID, &Error{
			Code:    CodeNotPaired,
			Message: "authentication failed",
			Details: map[string]any{"reason": result.Reason},
		})
		return
	}

	c.authMethod = result.Method
	c.sendResponse(frame.ID, true, c.helloPayload(), nil)
	c.connected.Store(true)
	c.subscribeEvents()
	c.server.logger.Info("client connected",
		"remote", c.remoteAddr, "auth", string(result.Method), "client", params.Client.ID)
}

func (c *wsSession) helloPayload() map[string]any {
	return map[string]any{
		"type":     "hello-ok",
		"protocol": protocolVersion,
		"auth":     string(c.authMethod),
		"features": map[string]any{
			"methods": supportedMethods(),
		},
		"policy": map[string]any{
			"maxPayloadBytes": maxPayloadBytes,
			"tickIntervalMs":  tickInterval.Milliseconds(),
		},
		"snapshot": c.server.statusSnapshot(),
	}
}

// subscribeEvents starts per-connection fan-out. Slow consumers drop
// oldest events rather than blocking publishers.
func (c *wsSession) subscribeEvents() {
	if c.server.events == nil {
		return
	}
	c.subOnce.Do(func() {
		c.sub = c.server.events.Subscribe(bus.SubscribeOptions{
			Buffer:     128,
			DropIfSlow: true,
		})
		go func() {
			var reported uint64
			for {
				select {
				case <-c.ctx.Done():
					return
				case ev, ok := <-c.sub.C():
					if !ok {
						return
					}
					c.sendEvent(ev.Type, ev.Data)
					if dropped := c.sub.Dropped(); dropped > reported {
						if c.server.metrics != nil {
							c.server.metrics.BusEventsDropped.Add(float64(dropped - reported))
						}
						reported = dropped
					}
				}
			}
		}()
	})
}

func (c *wsSession) sendResponse(id string, ok bool, payload any, wsErr *Error) {
	frame := Frame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   wsErr,
	}
	c.enqueue(frame)
}

func (c *wsSession) sendErrorFrame(id string, wsErr *Error) {
	c.sendResponse(id, false, nil, wsErr)
}

func (c *wsSession) sendEvent(event string, payload any) {
	seq := atomic.AddInt64(&c.seq, 1)
	c.enqueue(Frame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     &seq,
	})
}

// enqueue drops the frame when the send buffer is full; event fan-out
// must never block the caller.
func (c *wsSession) enqueue(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil || len(data) > maxPayloadBytes {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// startRun launches a background agent turn for the agent method with
// stream=true and agent.wait.
func (s *Server) startRun(ctx context.Context, sessionKey, text string, onEvent func(agent.Event)) *agentRun {
	run := &agentRun{
		id:         uuid.NewString(),
		sessionKey: sessionKey,
		done:       make(chan struct{}),
	}
	s.mu.Lock()
	s.runs[run.id] = run
	s.mu.Unlock()

	go func() {
		reply, err := s.runner.RunTurn(ctx, sessionKey, text, onEvent)
		run.reply = reply
		run.err = err
		close(run.done)
	}()
	return run
}

func (s *Server) getRun(id string) *agentRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Server) dropRun(id string) {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
}
