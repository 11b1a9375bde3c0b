// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	StateDir  string         `yaml:"state_dir"`
	Workspace string         `yaml:"workspace"`
	Agents    AgentsConfig   `yaml:"agents"`
	LLM       LLMConfig      `yaml:"llm"`
	Channels  ChannelsConfig `yaml:"channels"`
	Gateway   GatewayConfig  `yaml:"gateway"`
	Session   SessionConfig  `yaml:"session"`
	Tools     ToolsConfig    `yaml:"tools"`
	Cron      CronConfig     `yaml:"cron"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// AgentsConfig holds per-agent settings keyed by agent id.
type AgentsConfig struct {
	Default string                 `yaml:"default"`
	Items   map[string]AgentConfig `yaml:"items"`
}

// AgentConfig configures one agent.
type AgentConfig struct {
	Model          string   `yaml:"model"`
	FallbackModels []string `yaml:"fallback_models"`
	SystemPrompt   string   `yaml:"system_prompt"`
	Workspace      string   `yaml:"workspace"`
	ToolProfile    string   `yaml:"tool_profile"`
	ToolsAllow     []string `yaml:"tools_allow"`
	ToolsDeny      []string `yaml:"tools_deny"`
	MaxIterations  int      `yaml:"max_iterations"`
}

// LLMConfig configures providers.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig configures one provider endpoint.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// ChannelsConfig holds per-platform channel settings.
type ChannelsConfig struct {
	Telegram ChannelConfig `yaml:"telegram"`
	Discord  ChannelConfig `yaml:"discord"`
	Slack    ChannelConfig `yaml:"slack"`
}

// GroupPolicy controls when group messages trigger the agent.
type GroupPolicy string

const (
	GroupPolicyAlways   GroupPolicy = "always"
	GroupPolicyMentions GroupPolicy = "mentions"
	GroupPolicyNever    GroupPolicy = "never"
)

// DMConfig overrides settings for one DM peer.
type DMConfig struct {
	HistoryLimit int `yaml:"history_limit"`
}

// ChannelConfig configures one channel plugin.
type ChannelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	AppToken  string `yaml:"app_token"` // slack socket mode
	AccountID string `yaml:"account_id"`

	// DMScope selects session routing for direct messages: main,
	// per-peer, per-channel-peer, or per-account-channel-peer.
	DMScope string `yaml:"dm_scope"`

	// Groups controls group-chat triggering.
	Groups GroupPolicy `yaml:"groups"`

	// Owner identifies the channel owner for owner-gated commands.
	Owner string `yaml:"owner"`

	// Allowlist restricts which senders may talk to the agent. Empty
	// allows everyone.
	Allowlist []string `yaml:"allowlist"`

	// DMPolicy gates direct messages: "open" (default) admits anyone
	// passing the allowlist; "pairing" issues unknown senders a code
	// the owner must approve before the agent responds.
	DMPolicy string `yaml:"dm_policy"`

	// DMHistoryLimit caps history turns for DMs on this channel;
	// zero means no channel-level cap.
	DMHistoryLimit int `yaml:"dm_history_limit"`

	// DMs holds per-peer overrides keyed by sender id.
	DMs map[string]DMConfig `yaml:"dms"`
}

// GatewayAuthMode selects how WebSocket clients authenticate.
type GatewayAuthMode string

const (
	GatewayAuthNone     GatewayAuthMode = "none"
	GatewayAuthToken    GatewayAuthMode = "token"
	GatewayAuthPassword GatewayAuthMode = "password"
)

// GatewayConfig configures the WebSocket RPC server.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	AuthMode GatewayAuthMode `yaml:"auth_mode"`
	Token    string          `yaml:"token"`
	Password string          `yaml:"password"`

	// AllowLocalDirect lets loopback connections skip auth.
	AllowLocalDirect bool `yaml:"allow_local_direct"`
}

// SessionConfig holds session defaults.
type SessionConfig struct {
	// DMScope is the default when a channel does not set one.
	DMScope string `yaml:"dm_scope"`

	// HistoryLimit caps turns sent to the provider; zero disables.
	HistoryLimit int `yaml:"history_limit"`

	// ContextWindow overrides the token budget for compaction.
	ContextWindow int `yaml:"context_window"`

	// CompactionStrategy selects the default strategy.
	CompactionStrategy string `yaml:"compaction_strategy"`
}

// ToolsConfig holds tool policy and execution settings.
type ToolsConfig struct {
	Profile string   `yaml:"profile"`
	Allow   []string `yaml:"allow"`
	Deny    []string `yaml:"deny"`

	// SandboxMode is "", "all", or "non-main".
	SandboxMode  string   `yaml:"sandbox_mode"`
	SandboxAllow []string `yaml:"sandbox_allow"`
	SandboxDeny  []string `yaml:"sandbox_deny"`

	// BashSecurity is full, allowlist, or deny.
	BashSecurity string `yaml:"bash_security"`

	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

// CronConfig configures the scheduler.
type CronConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogDir  string `yaml:"log_dir"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a config with workable defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".openclaw")
	return &Config{
		StateDir:  stateDir,
		Workspace: filepath.Join(stateDir, "workspace"),
		Agents:    AgentsConfig{Default: "main"},
		Gateway: GatewayConfig{
			Host:             "127.0.0.1",
			Port:             18789,
			AuthMode:         GatewayAuthToken,
			AllowLocalDirect: true,
		},
		Session: SessionConfig{DMScope: "main"},
		Cron:    CronConfig{Enabled: true},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML config file over the defaults. A missing file
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that must hold before startup.
func (c *Config) Validate() error {
	switch c.Gateway.AuthMode {
	case GatewayAuthNone, "":
	case GatewayAuthToken:
		if c.Gateway.Token == "" && !c.Gateway.AllowLocalDirect {
			return fmt.Errorf("gateway auth_mode is token but no token is configured")
		}
	case GatewayAuthPassword:
		if c.Gateway.Password == "" {
			return fmt.Errorf("gateway auth_mode is password but no password is configured")
		}
	default:
		return fmt.Errorf("unknown gateway auth_mode %q", c.Gateway.AuthMode)
	}

	for _, ch := range []struct {
		name string
		cfg  ChannelConfig
	}{
		{"telegram", c.Channels.Telegram},
		{"discord", c.Channels.Discord},
		{"slack", c.Channels.Slack},
	} {
		if ch.cfg.Enabled && ch.cfg.BotToken == "" {
			return fmt.Errorf("channel %s is enabled but has no bot_token", ch.name)
		}
		switch ch.cfg.DMScope {
		case "", "main", "per-peer", "per-channel-peer", "per-account-channel-peer":
		default:
			return fmt.Errorf("channel %s: unknown dm_scope %q", ch.name, ch.cfg.DMScope)
		}
		switch ch.cfg.Groups {
		case "", GroupPolicyAlways, GroupPolicyMentions, GroupPolicyNever:
		default:
			return fmt.Errorf("channel %s: unknown groups policy %q", ch.name, ch.cfg.Groups)
		}
		switch ch.cfg.DMPolicy {
		case "", "open", "pairing":
		default:
			return fmt.Errorf("channel %s: unknown dm_policy %q", ch.name, ch.cfg.DMPolicy)
		}
	}
	return nil
}

// Channel returns the config for a channel id.
func (c *Config) Channel(id string) (ChannelConfig, bool) {
	switch strings.ToLower(id) {
	case "telegram":
		return c.Channels.Telegram, true
	case "discord":
		return c.Channels.Discord, true
	case "slack":
		return c.Channels.Slack, true
	}
	return ChannelConfig{}, false
}

// DMHistoryLimit resolves the history cap for one DM: the per-peer
// override wins, then the channel cap, then the session default. Zero
// means unlimited.
func (c *Config) DMHistoryLimit(channelID, senderID string) int {
	if ch, ok := c.Channel(channelID); ok {
		if dm, ok := ch.DMs[senderID]; ok && dm.HistoryLimit > 0 {
			return dm.HistoryLimit
		}
		if ch.DMHistoryLimit > 0 {
			return ch.DMHistoryLimit
		}
	}
	return c.Session.HistoryLimit
}

// DMScope resolves the session scope for a channel.
func (c *Config) DMScope(channelID string) string {
	if ch, ok := c.Channel(channelID); ok && ch.DMScope != "" {
		return ch.DMScope
	}
	if c.Session.DMScope != "" {
		return c.Session.DMScope
	}
	return "main"
}

// AgentFor returns the agent config for an id, falling back to the
// default agent.
func (c *Config) AgentFor(id string) AgentConfig {
	if agent, ok := c.Agents.Items[id]; ok {
		return agent
	}
	if c.Agents.Default != "" {
		if agent, ok := c.Agents.Items[c.Agents.Default]; ok {
			return agent
		}
	}
	return AgentConfig{}
}

// SkipCron reports whether the OPENCLAW_SKIP_CRON environment flag
// disables the scheduler for this process.
func SkipCron() bool {
	return os.Getenv("OPENCLAW_SKIP_CRON") == "1"
}
