package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/openclaw/internal/infra"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// State is a plugin's lifecycle state as tracked by the manager.
type State string

const (
	StateRegistered State = "registered"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateErrored    State = "errored"
)

// ErrUnknownChannel is returned when a send names a channel that is
// not registered.
var ErrUnknownChannel = errors.New("unknown channel")

// PluginStatus is a snapshot of one plugin's state for status surfaces.
type PluginStatus struct {
	Channel   models.ChannelType `json:"channel"`
	State     State              `json:"state"`
	LastError string             `json:"last_error,omitempty"`
	Restarts  int                `json:"restarts"`
	Since     time.Time          `json:"since"`
}

type managed struct {
	plugin   Plugin
	state    State
	lastErr  string
	restarts int
	since    time.Time
	cancel   context.CancelFunc
}

// Manager owns plugin lifecycles. Plugins that fail while running are
// restarted with exponential backoff; plugins that fail to start move
// to errored and stay there until the next StartAll.
type Manager struct {
	mu      sync.RWMutex
	plugins map[models.ChannelType]*managed
	out     chan *models.InboundEnvelope
	logger  *slog.Logger
	wg      sync.WaitGroup

	// MaxRestarts bounds reconnect attempts per plugin. Zero means
	// keep trying until the context dies.
	MaxRestarts int
}

// NewManager creates an empty manager. Register plugins before
// StartAll.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		plugins: make(map[models.ChannelType]*managed),
		out:     make(chan *models.InboundEnvelope, 256),
		logger:  logger.With("component", "channels"),
	}
}

// Register adds a plugin. Registering the same channel twice replaces
// the earlier plugin.
func (m *Manager) Register(p Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins[p.ID()] = &managed{plugin: p, state: StateRegistered, since: time.Now()}
}

// Get returns a registered plugin.
func (m *Manager) Get(id models.ChannelType) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.plugins[id]
	if !ok {
		return nil, false
	}
	return entry.plugin, true
}

// Envelopes is the merged inbound stream across all plugins.
func (m *Manager) Envelopes() <-chan *models.InboundEnvelope {
	return m.out
}

// StartAll launches every registered plugin. A plugin that fails its
// initial start is marked errored; the rest keep going.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.plugins {
		if entry.state == StateStarting || entry.state == StateReady {
			continue
		}
		pluginCtx, cancel := context.WithCancel(ctx)
		entry.cancel = cancel
		entry.state = StateStarting
		entry.since = time.Now()

		m.wg.Add(1)
		go m.runPlugin(pluginCtx, id, entry.plugin)
	}
}

// runPlugin drives one plugin: start, forward envelopes, restart with
// backoff when the stream dies.
func (m *Manager) runPlugin(ctx context.Context, id models.ChannelType, p Plugin) {
	defer m.wg.Done()
	logger := m.logger.With("channel", string(id))
	backoff := infra.Backoff{Base: time.Second, Cap: time.Minute}

	for {
		if err := p.Start(ctx); err != nil {
			if ctx.Err() != nil {
				m.setState(id, StateStopped, "")
				return
			}
			m.setState(id, StateErrored, err.Error())
			restarts := m.bumpRestarts(id)
			if m.MaxRestarts > 0 && restarts >= m.MaxRestarts {
				logger.Error("channel gave up after repeated failures", "restarts", restarts, "error", err)
				return
			}
			delay := backoff.Next()
			logger.Warn("channel start failed, retrying", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				m.setState(id, StateStopped, "")
				return
			case <-time.After(delay):
			}
			continue
		}

		m.setState(id, StateReady, "")
		backoff.Reset()
		logger.Info("channel ready")

		// Forward until the plugin's stream closes.
		closed := m.forward(ctx, p)
		if ctx.Err() != nil || !closed {
			m.setState(id, StateStopped, "")
			return
		}

		m.setState(id, StateErrored, "stream closed")
		restarts := m.bumpRestarts(id)
		if m.MaxRestarts > 0 && restarts >= m.MaxRestarts {
			logger.Error("channel stream closed too many times", "restarts", restarts)
			return
		}
		delay := backoff.Next()
		logger.Warn("channel stream closed, reconnecting", "delay", delay)
		select {
		case <-ctx.Done():
			m.setState(id, StateStopped, "")
			return
		case <-time.After(delay):
		}
	}
}

// forward copies envelopes into the merged stream. Returns true when
// the plugin's channel closed, false when the context ended.
func (m *Manager) forward(ctx context.Context, p Plugin) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case env, ok := <-p.Envelopes():
			if !ok {
				return true
			}
			select {
			case m.out <- env:
			case <-ctx.Done():
				return false
			}
		}
	}
}

// StopAll stops every plugin and waits for their goroutines.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	for _, entry := range m.plugins {
		if entry.cancel != nil {
			entry.state = StateStopping
			entry.cancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var lastErr error
	m.mu.RLock()
	for _, entry := range m.plugins {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := entry.plugin.Stop(stopCtx); err != nil {
			lastErr = err
		}
		cancel()
	}
	m.mu.RUnlock()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("channel shutdown timed out: %w", ctx.Err())
	}
	return lastErr
}

// Send routes an outbound message to the plugin for a channel.
func (m *Manager) Send(ctx context.Context, id models.ChannelType, out *Outbound) error {
	p, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	return p.Send(ctx, out)
}

// SendTyping shows a typing indicator when the platform supports one.
func (m *Manager) SendTyping(ctx context.Context, id models.ChannelType, chatID string) {
	p, ok := m.Get(id)
	if !ok {
		return
	}
	notifier, ok := p.(TypingNotifier)
	if !ok {
		return
	}
	if err := notifier.SendTyping(ctx, chatID); err != nil {
		m.logger.Debug("typing indicator failed", "channel", string(id), "error", err)
	}
}

// Status reports each plugin's lifecycle snapshot.
func (m *Manager) Status() []PluginStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PluginStatus, 0, len(m.plugins))
	for id, entry := range m.plugins {
		out = append(out, PluginStatus{
			Channel:   id,
			State:     entry.state,
			LastError: entry.lastErr,
			Restarts:  entry.restarts,
			Since:     entry.since,
		})
	}
	return out
}

func (m *Manager) setState(id models.ChannelType, s State, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.plugins[id]; ok {
		entry.state = s
		entry.lastErr = errMsg
		entry.since = time.Now()
	}
}

func (m *Manager) bumpRestarts(id models.ChannelType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.plugins[id]; ok {
		entry.restarts++
		return entry.restarts
	}
	return 0
}
