package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openclaw.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 18789 {
		t.Errorf("default port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.AuthMode != GatewayAuthToken || !cfg.Gateway.AllowLocalDirect {
		t.Errorf("default auth = %+v", cfg.Gateway)
	}
	if !cfg.Cron.Enabled {
		t.Error("cron should default enabled")
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway:
  port: 9100
  auth_mode: token
  token: secret
channels:
  telegram:
    enabled: true
    bot_token: tg-token
    dm_scope: per-peer
    groups: mentions
    dm_history_limit: 40
    dms:
      alice:
        history_limit: 5
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: sk-test
      default_model: claude-sonnet-4-20250514
session:
  history_limit: 100
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9100 || cfg.Gateway.Token != "secret" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	// Unset fields keep their defaults.
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("host = %q", cfg.Gateway.Host)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Groups != GroupPolicyMentions {
		t.Errorf("telegram = %+v", cfg.Channels.Telegram)
	}
	if got := cfg.LLM.Providers["anthropic"].APIKey; got != "sk-test" {
		t.Errorf("provider key = %q", got)
	}
}

func TestValidateAuthModes(t *testing.T) {
	tests := []struct {
		name    string
		gateway GatewayConfig
		wantErr string
	}{
		{"none ok", GatewayConfig{AuthMode: GatewayAuthNone}, ""},
		{"token with token ok", GatewayConfig{AuthMode: GatewayAuthToken, Token: "t"}, ""},
		{"token local direct ok", GatewayConfig{AuthMode: GatewayAuthToken, AllowLocalDirect: true}, ""},
		{"token without token", GatewayConfig{AuthMode: GatewayAuthToken}, "no token"},
		{"password without password", GatewayConfig{AuthMode: GatewayAuthPassword}, "no password"},
		{"unknown mode", GatewayConfig{AuthMode: "oauth"}, "unknown gateway auth_mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Gateway = tt.gateway
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChannels(t *testing.T) {
	cfg := Default()
	cfg.Channels.Discord = ChannelConfig{Enabled: true}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "discord") {
		t.Errorf("enabled channel without token: err = %v", err)
	}

	cfg = Default()
	cfg.Channels.Slack = ChannelConfig{DMScope: "per-galaxy"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "dm_scope") {
		t.Errorf("bad dm_scope: err = %v", err)
	}
}

func TestDMHistoryLimitResolution(t *testing.T) {
	cfg := Default()
	cfg.Session.HistoryLimit = 200
	cfg.Channels.Telegram = ChannelConfig{
		DMHistoryLimit: 40,
		DMs:            map[string]DMConfig{"alice": {HistoryLimit: 5}},
	}

	tests := []struct {
		channel, sender string
		want            int
	}{
		{"telegram", "alice", 5},
		{"telegram", "bob", 40},
		{"discord", "alice", 200},
		{"unknown", "x", 200},
	}
	for _, tt := range tests {
		if got := cfg.DMHistoryLimit(tt.channel, tt.sender); got != tt.want {
			t.Errorf("DMHistoryLimit(%s, %s) = %d, want %d", tt.channel, tt.sender, got, tt.want)
		}
	}
}

func TestDMScopeResolution(t *testing.T) {
	cfg := Default()
	cfg.Channels.Discord.DMScope = "per-channel-peer"
	if got := cfg.DMScope("discord"); got != "per-channel-peer" {
		t.Errorf("discord scope = %q", got)
	}
	if got := cfg.DMScope("telegram"); got != "main" {
		t.Errorf("fallback scope = %q", got)
	}
}

func TestAgentForFallsBackToDefault(t *testing.T) {
	cfg := Default()
	cfg.Agents.Default = "main"
	cfg.Agents.Items = map[string]AgentConfig{
		"main":  {Model: "claude-sonnet-4-20250514"},
		"coder": {Model: "gpt-4o", ToolProfile: "coding"},
	}
	if got := cfg.AgentFor("coder").ToolProfile; got != "coding" {
		t.Errorf("coder profile = %q", got)
	}
	if got := cfg.AgentFor("ghost").Model; got != "claude-sonnet-4-20250514" {
		t.Errorf("fallback model = %q", got)
	}
}

func TestSkipCron(t *testing.T) {
	t.Setenv("OPENCLAW_SKIP_CRON", "1")
	if !SkipCron() {
		t.Error("OPENCLAW_SKIP_CRON=1 should skip")
	}
	t.Setenv("OPENCLAW_SKIP_CRON", "")
	if SkipCron() {
		t.Error("empty flag should not skip")
	}
}
