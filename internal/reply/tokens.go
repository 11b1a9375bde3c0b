package reply

import (
	"regexp"
	"strings"
)

// SilentReplyToken suppresses delivery when the agent has nothing to say.
const SilentReplyToken = "NO_REPLY"

// HeartbeatToken is an acknowledgment marker for heartbeat prompts. A
// reply consisting only of it is suppressed like a silent reply.
const HeartbeatToken = "HEARTBEAT_OK"

// EscapeRegex escapes regex metacharacters in a literal token.
func EscapeRegex(value string) string {
	return regexp.QuoteMeta(value)
}

func tokenPrefixRe(token string) *regexp.Regexp {
	return regexp.MustCompile(`^\s*` + EscapeRegex(token) + `(?:$|\W)`)
}

func tokenSuffixRe(token string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + EscapeRegex(token) + `\b\W*$`)
}

// IsSilentReplyText reports whether text starts or ends with the silent
// reply token, word-bounded. Empty token falls back to the default.
func IsSilentReplyText(text, token string) bool {
	return matchesToken(text, token, SilentReplyToken)
}

// IsHeartbeatText reports whether text starts or ends with the heartbeat
// acknowledgment token.
func IsHeartbeatText(text string) bool {
	return matchesToken(text, HeartbeatToken, HeartbeatToken)
}

func matchesToken(text, token, def string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if token == "" {
		token = def
	}
	if tokenPrefixRe(token).MatchString(text) {
		return true
	}
	return tokenSuffixRe(token).MatchString(text)
}

// StripToken removes a leading or trailing occurrence of token from text.
func StripToken(text, token string) string {
	if token == "" || text == "" {
		return text
	}
	out := tokenPrefixRe(token).ReplaceAllString(text, "")
	out = tokenSuffixRe(token).ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}
