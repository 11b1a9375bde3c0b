package reply

import "testing"

func TestIsSilentReplyText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"exact token", "NO_REPLY", true},
		{"token with whitespace", "  NO_REPLY  ", true},
		{"token prefix", "NO_REPLY, nothing to add", true},
		{"token suffix", "nothing to add NO_REPLY", true},
		{"token suffix with punctuation", "nothing to add NO_REPLY.", true},
		{"embedded token ignored", "this NO_REPLY sits mid-sentence here", false},
		{"token glued to word", "NO_REPLYX", false},
		{"plain text", "hello there", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSilentReplyText(tt.input, SilentReplyToken); got != tt.expected {
				t.Errorf("IsSilentReplyText(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestIsSilentReplyTextCustomToken(t *testing.T) {
	if !IsSilentReplyText("SKIP done", "SKIP") {
		t.Error("custom token prefix not detected")
	}
	if IsSilentReplyText("NO_REPLY", "SKIP") {
		t.Error("default token should not match when a custom token is set")
	}
}

func TestIsHeartbeatText(t *testing.T) {
	if !IsHeartbeatText("HEARTBEAT_OK") {
		t.Error("exact heartbeat token not detected")
	}
	if IsHeartbeatText("all systems go") {
		t.Error("plain text misdetected as heartbeat")
	}
}

func TestStripToken(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"NO_REPLY", ""},
		{"NO_REPLY. rest", "rest"},
		{"text first NO_REPLY", "text first"},
		{"no token here", "no token here"},
	}
	for _, tt := range tests {
		if got := StripToken(tt.input, SilentReplyToken); got != tt.expected {
			t.Errorf("StripToken(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
