package dispatch

import (
	"testing"

	"github.com/haasonsaas/openclaw/internal/agent"
	"github.com/haasonsaas/openclaw/internal/config"
	"github.com/haasonsaas/openclaw/pkg/models"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		cmd     Command
		arg     string
		ok      bool
	}{
		{"/help", CommandHelp, "", true},
		{"/status", CommandStatus, "", true},
		{"/reset", CommandReset, "", true},
		{"/compact now", CommandCompact, "now", true},
		{"/stop", CommandStop, "", true},
		{"/STATUS", CommandStatus, "", true},
		{"/status@clawbot", CommandStatus, "", true},
		{"  /help  ", CommandHelp, "", true},
		{"/unknown", "", "", false},
		{"hello /status", "", "", false},
		{"no command", "", "", false},
	}
	for _, tt := range tests {
		cmd, arg, ok := ParseCommand(tt.in)
		if cmd != tt.cmd || arg != tt.arg || ok != tt.ok {
			t.Errorf("ParseCommand(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, cmd, arg, ok, tt.cmd, tt.arg, tt.ok)
		}
	}
}

func TestExtractDirectives(t *testing.T) {
	text, d := ExtractDirectives("/think high summarize the doc /verbose on")
	if text != "summarize the doc" {
		t.Errorf("text = %q", text)
	}
	if !d.HasThinking || d.ThinkingLevel != agent.ThinkingHigh {
		t.Errorf("thinking = %+v", d)
	}
	if !d.HasVerbose || !d.Verbose {
		t.Errorf("verbose = %+v", d)
	}

	text, d = ExtractDirectives("/verbose off just checking")
	if text != "just checking" || d.Verbose {
		t.Errorf("verbose off: text=%q d=%+v", text, d)
	}

	// Invalid level leaves the token in place.
	text, d = ExtractDirectives("/think harder please")
	if d.HasThinking {
		t.Error("invalid thinking level accepted")
	}
	if text != "/think harder please" {
		t.Errorf("text = %q", text)
	}
}

func TestIsOwner(t *testing.T) {
	env := &models.InboundEnvelope{
		ChannelID:  "telegram",
		SenderID:   "777",
		SenderE164: "+15551234",
		SenderName: "Ada",
		Metadata:   map[string]any{"username": "ada"},
	}
	tests := []struct {
		owner string
		want  bool
	}{
		{"telegram:777", true},
		{"777", true},
		{"+15551234", true},
		{"ada", true},
		{"@ada", true},
		{"ADA", true},
		{"someone-else", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsOwner(env, tt.owner); got != tt.want {
			t.Errorf("IsOwner(owner=%q) = %v, want %v", tt.owner, got, tt.want)
		}
	}
}

func TestSenderAllowed(t *testing.T) {
	env := &models.InboundEnvelope{
		SenderID: "42",
		Metadata: map[string]any{"username": "grace"},
	}
	if !SenderAllowed(env, nil) {
		t.Error("empty allowlist should admit everyone")
	}
	if !SenderAllowed(env, []string{"42"}) {
		t.Error("sender id not matched")
	}
	if !SenderAllowed(env, []string{"@grace"}) {
		t.Error("username not matched")
	}
	if SenderAllowed(env, []string{"43", "@hopper"}) {
		t.Error("unlisted sender admitted")
	}
}

func TestShouldEngage(t *testing.T) {
	direct := &models.InboundEnvelope{ChatType: models.ChatDirect}
	group := &models.InboundEnvelope{ChatType: models.ChatGroup, Metadata: map[string]any{}}
	mentioned := &models.InboundEnvelope{
		ChatType: models.ChatGroup,
		Metadata: map[string]any{"bot_mentioned": true},
	}

	if !ShouldEngage(direct, config.GroupPolicyNever) {
		t.Error("direct chats always engage")
	}
	if !ShouldEngage(group, config.GroupPolicyAlways) {
		t.Error("always policy should engage")
	}
	if ShouldEngage(group, config.GroupPolicyNever) {
		t.Error("never policy engaged")
	}
	if ShouldEngage(group, config.GroupPolicyMentions) {
		t.Error("mentions policy engaged without mention")
	}
	if !ShouldEngage(mentioned, config.GroupPolicyMentions) {
		t.Error("mentions policy ignored a mention")
	}
	// Empty policy behaves like mentions.
	if ShouldEngage(group, "") {
		t.Error("default policy engaged without mention")
	}
}

func TestStripBotMention(t *testing.T) {
	tests := []struct {
		in, id, name, want string
	}{
		{"<@UBOT> what's up", "UBOT", "", "what's up"},
		{"<@!123> hi", "123", "", "hi"},
		{"@clawbot, run tests", "", "clawbot", "run tests"},
		{"no mention here", "UBOT", "clawbot", "no mention here"},
	}
	for _, tt := range tests {
		if got := StripBotMention(tt.in, tt.id, tt.name); got != tt.want {
			t.Errorf("StripBotMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
