package sessions

import (
	"regexp"
	"strings"
)

// Default constants for session key routing.
const (
	DefaultAgentID   = "main"
	DefaultMainKey   = "main"
	DefaultAccountID = "default"
)

// DM scope values accepted by BuildAgentPeerSessionKey.
const (
	DMScopeMain               = "main"
	DMScopePerPeer            = "per-peer"
	DMScopePerChannelPeer     = "per-channel-peer"
	DMScopePerAccountChanPeer = "per-account-channel-peer"
)

// ParsedSessionKey represents a parsed agent session key.
type ParsedSessionKey struct {
	AgentID    string
	Rest       string
	IsACP      bool
	IsSubagent bool
}

// ParseAgentSessionKey parses a session key like "agent:myagent:telegram:dm:123".
// Returns nil if the key is malformed or doesn't start with "agent:".
func ParseAgentSessionKey(sessionKey string) *ParsedSessionKey {
	raw := strings.TrimSpace(sessionKey)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ":")
	filtered := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			filtered = append(filtered, p)
		}
	}

	if len(filtered) < 3 || filtered[0] != "agent" {
		return nil
	}

	agentID := strings.TrimSpace(filtered[1])
	rest := strings.Join(filtered[2:], ":")
	if agentID == "" || rest == "" {
		return nil
	}

	restLower := strings.ToLower(rest)
	return &ParsedSessionKey{
		AgentID:    agentID,
		Rest:       rest,
		IsACP:      strings.HasPrefix(restLower, "acp:"),
		IsSubagent: strings.HasPrefix(restLower, "subagent:"),
	}
}

// IsSubagentSessionKey checks if a session key addresses a subagent session.
func IsSubagentSessionKey(sessionKey string) bool {
	raw := strings.TrimSpace(sessionKey)
	if raw == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(raw), "subagent:") {
		return true
	}
	parsed := ParseAgentSessionKey(raw)
	return parsed != nil && parsed.IsSubagent
}

// IsACPSessionKey checks if a session key is an agent-control-protocol key.
func IsACPSessionKey(sessionKey string) bool {
	raw := strings.TrimSpace(sessionKey)
	if raw == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(raw), "acp:") {
		return true
	}
	parsed := ParseAgentSessionKey(raw)
	return parsed != nil && parsed.IsACP
}

// LooksLikeSessionKey reports whether a string is plausibly a full store key
// rather than a bare agent ID or request fragment.
func LooksLikeSessionKey(value string) bool {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return false
	}
	if strings.HasPrefix(raw, "agent:") {
		return ParseAgentSessionKey(raw) != nil
	}
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "subagent:") || strings.HasPrefix(lower, "acp:")
}

// identRegex matches valid identity strings: [a-z0-9][a-z0-9_-]{0,63}
var identRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

var (
	invalidCharsRegex   = regexp.MustCompile(`[^a-z0-9_-]+`)
	leadingHyphensRegex = regexp.MustCompile(`^-+`)
	trailingHyphensRe   = regexp.MustCompile(`-+$`)
)

// normalizeIdentity lowercases, collapses invalid runs to "-", trims
// edge hyphens and truncates to 64. Empty results fall back to def.
func normalizeIdentity(value, def string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return def
	}
	if identRegex.MatchString(trimmed) {
		return trimmed
	}

	normalized := strings.ToLower(trimmed)
	normalized = invalidCharsRegex.ReplaceAllString(normalized, "-")
	normalized = leadingHyphensRegex.ReplaceAllString(normalized, "")
	normalized = trailingHyphensRe.ReplaceAllString(normalized, "")
	if len(normalized) > 64 {
		normalized = normalized[:64]
	}
	if normalized == "" {
		return def
	}
	return normalized
}

// NormalizeAgentID normalizes an agent ID to be path-safe and shell-friendly.
// Only [a-z0-9][a-z0-9_-]{0,63} survives; anything else is rewritten.
func NormalizeAgentID(value string) string {
	return normalizeIdentity(value, DefaultAgentID)
}

// NormalizeAccountID normalizes an account ID the same way as agent IDs,
// defaulting to "default".
func NormalizeAccountID(value string) string {
	return normalizeIdentity(value, DefaultAccountID)
}

// NormalizeMainKey normalizes a main session key.
func NormalizeMainKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return DefaultMainKey
	}
	return trimmed
}

// ToAgentRequestSessionKey extracts the request portion from a store key.
// For "agent:myagent:telegram:dm:123", returns "telegram:dm:123".
func ToAgentRequestSessionKey(storeKey string) string {
	raw := strings.TrimSpace(storeKey)
	if raw == "" {
		return ""
	}
	if parsed := ParseAgentSessionKey(raw); parsed != nil {
		return parsed.Rest
	}
	return raw
}

// ToAgentStoreSessionKey builds a full store key from agent ID and request key.
// Empty or "main" request keys resolve to the agent's main session; keys
// already carrying the "agent:" prefix pass through unchanged.
func ToAgentStoreSessionKey(agentID, requestKey, mainKey string) string {
	raw := strings.TrimSpace(requestKey)
	if raw == "" || raw == DefaultMainKey {
		return BuildAgentMainSessionKey(agentID, mainKey)
	}
	if strings.HasPrefix(raw, "agent:") {
		return raw
	}
	return "agent:" + NormalizeAgentID(agentID) + ":" + raw
}

// ResolveAgentIDFromSessionKey extracts the agent ID from a session key,
// falling back to DefaultAgentID when the key is malformed.
func ResolveAgentIDFromSessionKey(sessionKey string) string {
	if parsed := ParseAgentSessionKey(sessionKey); parsed != nil {
		return NormalizeAgentID(parsed.AgentID)
	}
	return DefaultAgentID
}

// BuildAgentMainSessionKey builds "agent:{agentId}:{mainKey}".
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	return "agent:" + NormalizeAgentID(agentID) + ":" + NormalizeMainKey(mainKey)
}

// PeerSessionParams for building peer-specific session keys.
type PeerSessionParams struct {
	AgentID       string
	MainKey       string
	Channel       string
	PeerKind      string // "dm", "group", "channel"
	PeerID        string
	AccountID     string
	IdentityLinks map[string][]string // canonical -> []linked IDs
	DMScope       string
}

// BuildAgentPeerSessionKey builds the canonical session key for a peer.
//
//	dm + per-account-channel-peer: "agent:{agentId}:{channel}:{accountId}:dm:{peerId}"
//	dm + per-channel-peer:         "agent:{agentId}:{channel}:dm:{peerId}"
//	dm + per-peer:                 "agent:{agentId}:dm:{peerId}"
//	dm + main:                     "agent:{agentId}:{mainKey}"
//	group/channel:                 "agent:{agentId}:{channel}:{peerKind}:{peerId}"
//
// The same parameter tuple always produces the same string.
func BuildAgentPeerSessionKey(params PeerSessionParams) string {
	peerKind := params.PeerKind
	if peerKind == "" {
		peerKind = "dm"
	}

	if peerKind == "dm" {
		dmScope := params.DMScope
		if dmScope == "" {
			dmScope = DMScopeMain
		}

		peerID := strings.TrimSpace(params.PeerID)

		// Identity links merge a peer's IDs across channels; scope main
		// collapses everything anyway so skip resolution there.
		if dmScope != DMScopeMain {
			if linked := ResolveLinkedPeerID(params.IdentityLinks, params.Channel, peerID); linked != "" {
				peerID = linked
			}
		}

		channel := normalizeToken(params.Channel)
		if channel == "" {
			channel = "unknown"
		}

		switch dmScope {
		case DMScopePerAccountChanPeer:
			if peerID != "" {
				return "agent:" + NormalizeAgentID(params.AgentID) + ":" + channel + ":" + NormalizeAccountID(params.AccountID) + ":dm:" + peerID
			}
		case DMScopePerChannelPeer:
			if peerID != "" {
				return "agent:" + NormalizeAgentID(params.AgentID) + ":" + channel + ":dm:" + peerID
			}
		case DMScopePerPeer:
			if peerID != "" {
				return "agent:" + NormalizeAgentID(params.AgentID) + ":dm:" + peerID
			}
		}

		return BuildAgentMainSessionKey(params.AgentID, params.MainKey)
	}

	channel := normalizeToken(params.Channel)
	if channel == "" {
		channel = "unknown"
	}
	peerID := strings.TrimSpace(params.PeerID)
	if peerID == "" {
		peerID = "unknown"
	}

	return "agent:" + NormalizeAgentID(params.AgentID) + ":" + channel + ":" + peerKind + ":" + peerID
}

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// ResolveLinkedPeerID resolves a peer ID through identity links.
// Returns the canonical ID if linked, otherwise empty string.
func ResolveLinkedPeerID(identityLinks map[string][]string, channel, peerID string) string {
	if identityLinks == nil {
		return ""
	}

	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ""
	}

	candidates := make(map[string]struct{})
	if raw := normalizeToken(peerID); raw != "" {
		candidates[raw] = struct{}{}
	}
	if ch := normalizeToken(channel); ch != "" {
		if scoped := normalizeToken(ch + ":" + peerID); scoped != "" {
			candidates[scoped] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	for canonical, ids := range identityLinks {
		canonicalName := strings.TrimSpace(canonical)
		if canonicalName == "" {
			continue
		}
		for _, id := range ids {
			normalized := normalizeToken(id)
			if normalized == "" {
				continue
			}
			if _, exists := candidates[normalized]; exists {
				return canonicalName
			}
		}
	}

	return ""
}
