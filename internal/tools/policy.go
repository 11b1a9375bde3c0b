package tools

import (
	"sort"
	"strings"
)

// Profile is a pre-configured tool access level.
type Profile string

const (
	ProfileMinimal   Profile = "minimal"
	ProfileCoding    Profile = "coding"
	ProfileMessaging Profile = "messaging"
	ProfileFull      Profile = "full"
)

// Policy defines tool access rules, combining an optional profile with
// explicit allow and deny lists. Deny always wins over allow.
type Policy struct {
	Profile Profile  `json:"profile,omitempty" yaml:"profile,omitempty"`
	Allow   []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny    []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// ToolAliases maps alternative names to canonical tool names.
var ToolAliases = map[string]string{
	"exec":        "bash",
	"shell":       "bash",
	"apply-patch": "apply_patch",
	"read":        "read_file",
	"write":       "write_file",
	"edit":        "edit_file",
}

// NormalizeToolName lowercases a tool name and resolves aliases.
func NormalizeToolName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := ToolAliases[normalized]; ok {
		return canonical
	}
	return normalized
}

// NormalizeToolNames normalizes a list, dropping empties.
func NormalizeToolNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if n := NormalizeToolName(name); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// ToolGroups are named bundles usable anywhere a tool name is accepted
// in allow/deny lists. Group names carry the "group:" prefix.
var ToolGroups = map[string][]string{
	"group:fs":      {"read_file", "write_file", "edit_file", "apply_patch"},
	"group:runtime": {"bash", "process"},
	"group:sessions": {
		"sessions_list",
		"sessions_history",
		"sessions_send",
		"sessions_spawn",
		"session_status",
	},
	"group:memory":     {"memory_search", "memory_get"},
	"group:web":        {"web_search", "web_fetch"},
	"group:ui":         {"browser", "canvas"},
	"group:messaging":  {"message", "send_message"},
	"group:automation": {"cron", "gateway"},
	"group:openclaw": {
		"bash", "process",
		"read_file", "write_file", "edit_file", "apply_patch",
		"web_search", "web_fetch",
		"memory_search", "memory_get",
		"browser", "canvas",
		"message", "send_message",
		"cron", "gateway", "image",
		"sessions_list", "sessions_history", "sessions_send", "sessions_spawn", "session_status",
	},
}

// ProfileDefaults map each profile to its base policy. The full profile
// has no allow list: everything not denied is permitted.
var ProfileDefaults = map[Profile]*Policy{
	ProfileMinimal: {
		Allow: []string{"session_status"},
	},
	ProfileCoding: {
		Allow: []string{"group:fs", "group:runtime", "group:sessions", "group:memory", "image"},
	},
	ProfileMessaging: {
		Allow: []string{"group:messaging", "sessions_list", "sessions_history", "sessions_send", "session_status"},
	},
	ProfileFull: {},
}

// OwnerOnlyTools are hidden from every sender that is not the
// configured owner, regardless of policy.
var OwnerOnlyTools = map[string]bool{
	"whatsapp_login": true,
}

// ExpandGroups replaces group references with their member tools,
// normalizes names, and deduplicates while preserving order.
func ExpandGroups(items []string) []string {
	var result []string
	seen := make(map[string]bool)

	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			result = append(result, name)
		}
	}

	for _, item := range items {
		key := strings.ToLower(strings.TrimSpace(item))
		if members, ok := ToolGroups[key]; ok {
			for _, tool := range members {
				add(NormalizeToolName(tool))
			}
			continue
		}
		add(NormalizeToolName(item))
	}
	return result
}

// IsGroup reports whether name is a known group reference.
func IsGroup(name string) bool {
	_, ok := ToolGroups[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// ListGroups returns all group names, sorted.
func ListGroups() []string {
	out := make([]string, 0, len(ToolGroups))
	for name := range ToolGroups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Allows reports whether the policy permits the named tool. An empty
// profile with an empty allow list permits nothing.
func (p *Policy) Allows(toolName string) bool {
	if p == nil {
		return false
	}
	normalized := NormalizeToolName(toolName)

	for _, denied := range ExpandGroups(p.Deny) {
		if denied == normalized {
			return false
		}
	}

	var allowed []string
	if p.Profile != "" {
		if base, ok := ProfileDefaults[p.Profile]; ok && base != nil {
			allowed = ExpandGroups(base.Allow)
		}
	}
	if len(p.Allow) > 0 {
		allowed = append(allowed, ExpandGroups(p.Allow)...)
	}

	if p.Profile == ProfileFull {
		return true
	}
	for _, a := range allowed {
		if a == normalized {
			return true
		}
	}
	return false
}

// MergePolicies layers policies in order: later profiles replace
// earlier ones, allow and deny lists accumulate. Nil entries are
// skipped.
func MergePolicies(policies ...*Policy) *Policy {
	merged := &Policy{}
	for _, p := range policies {
		if p == nil {
			continue
		}
		if p.Profile != "" {
			merged.Profile = p.Profile
		}
		merged.Allow = append(merged.Allow, p.Allow...)
		merged.Deny = append(merged.Deny, p.Deny...)
	}
	return merged
}

// PolicySet resolves the effective policy for one session: the global
// policy, then the agent policy, then (when it applies) the sandbox
// policy, with deny accumulating across all layers.
type PolicySet struct {
	// Global applies to every session.
	Global *Policy

	// Agent applies to sessions routed to this agent.
	Agent *Policy

	// Sandbox tightens non-main (or all) sessions.
	Sandbox *Policy

	// SandboxMode is "all" or "non-main"; empty disables the sandbox
	// layer entirely.
	SandboxMode string
}

// Resolve computes the effective policy. mainSession marks the agent's
// main session, which escapes a "non-main" sandbox.
func (s PolicySet) Resolve(mainSession bool) *Policy {
	layers := []*Policy{s.Global, s.Agent}
	switch s.SandboxMode {
	case "all":
		layers = append(layers, s.Sandbox)
	case "non-main":
		if !mainSession {
			layers = append(layers, s.Sandbox)
		}
	}
	return MergePolicies(layers...)
}

// FilterForSender returns the tool names visible to one sender:
// policy-allowed tools minus owner-only tools for non-owners.
func FilterForSender(policy *Policy, names []string, isOwner bool) []string {
	var out []string
	for _, name := range names {
		normalized := NormalizeToolName(name)
		if OwnerOnlyTools[normalized] && !isOwner {
			continue
		}
		if policy.Allows(normalized) {
			out = append(out, normalized)
		}
	}
	return out
}
