// Package dispatch routes inbound envelopes through dedupe, access
// control, and commands into agent turns, and delivers the replies.
package dispatch

import (
	"strings"

	"github.com/haasonsaas/openclaw/internal/agent"
	"github.com/haasonsaas/openclaw/internal/config"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// Command is a recognized slash command.
type Command string

const (
	CommandHelp    Command = "help"
	CommandStatus  Command = "status"
	CommandReset   Command = "reset"
	CommandCompact Command = "compact"
	CommandStop    Command = "stop"
)

// ownerOnlyCommands mutate session state and are gated to the channel
// owner in group chats.
var ownerOnlyCommands = map[Command]bool{
	CommandReset:   true,
	CommandCompact: true,
	CommandStop:    true,
}

// ParseCommand recognizes a leading slash command. The remainder of the
// line is returned as the argument string.
func ParseCommand(text string) (Command, string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	fields := strings.SplitN(trimmed, " ", 2)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Telegram appends @botname to commands in groups.
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	arg := ""
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}

	switch Command(name) {
	case CommandHelp, CommandStatus, CommandReset, CommandCompact, CommandStop:
		return Command(name), arg, true
	}
	return "", "", false
}

// TurnDirectives are per-turn switches parsed out of the message text.
type TurnDirectives struct {
	ThinkingLevel agent.ThinkingLevel
	HasThinking   bool
	Verbose       bool
	HasVerbose    bool
}

// ExtractDirectives strips inline /think and /verbose directives from
// the text and returns what remains.
func ExtractDirectives(text string) (string, TurnDirectives) {
	var d TurnDirectives
	fields := strings.Fields(text)
	kept := make([]string, 0, len(fields))

	for i := 0; i < len(fields); i++ {
		switch strings.ToLower(fields[i]) {
		case "/think":
			if i+1 < len(fields) {
				level := agent.ThinkingLevel(strings.ToLower(fields[i+1]))
				if _, ok := agent.ThinkingBudgets[level]; ok {
					d.ThinkingLevel = level
					d.HasThinking = true
					i++
					continue
				}
			}
			kept = append(kept, fields[i])
		case "/verbose":
			d.HasVerbose = true
			d.Verbose = true
			if i+1 < len(fields) {
				switch strings.ToLower(fields[i+1]) {
				case "on":
					i++
				case "off":
					d.Verbose = false
					i++
				}
			}
		default:
			kept = append(kept, fields[i])
		}
	}
	return strings.Join(kept, " "), d
}

// IsOwner reports whether the sender matches the channel's configured
// owner. The owner value may be given in any of the sender's identity
// forms.
func IsOwner(env *models.InboundEnvelope, owner string) bool {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return false
	}
	candidates := []string{
		env.ChannelID + ":" + env.SenderID,
		env.SenderID,
		env.SenderE164,
		env.SenderName,
	}
	if username, ok := env.Metadata["username"].(string); ok {
		candidates = append(candidates, username, "@"+username)
	}
	for _, c := range candidates {
		if c != "" && strings.EqualFold(c, owner) {
			return true
		}
	}
	return false
}

// SenderAllowed checks the channel allowlist. An empty allowlist
// admits everyone.
func SenderAllowed(env *models.InboundEnvelope, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.EqualFold(entry, env.SenderID) || strings.EqualFold(entry, env.SenderE164) {
			return true
		}
		if username, ok := env.Metadata["username"].(string); ok {
			if strings.EqualFold(entry, username) || strings.EqualFold(entry, "@"+username) {
				return true
			}
		}
	}
	return false
}

// ShouldEngage applies the group trigger policy. Direct chats always
// engage; groups follow the channel's configured policy.
func ShouldEngage(env *models.InboundEnvelope, policy config.GroupPolicy) bool {
	if env.ChatType == models.ChatDirect {
		return true
	}
	switch policy {
	case config.GroupPolicyAlways:
		return true
	case config.GroupPolicyNever:
		return false
	default: // mentions
		mentioned, _ := env.Metadata["bot_mentioned"].(bool)
		return mentioned
	}
}

// StripBotMention removes leading bot mention markup so the agent sees
// clean text. Handles Slack <@U…>, Discord <@id>, and @name forms.
func StripBotMention(text, botID, botName string) string {
	out := strings.TrimSpace(text)
	var prefixes []string
	if botID != "" {
		prefixes = append(prefixes, "<@"+botID+">", "<@!"+botID+">")
	}
	if botName != "" {
		prefixes = append(prefixes, "@"+botName)
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(out, prefix) {
			out = strings.TrimSpace(strings.TrimPrefix(out, prefix))
		}
	}
	return strings.TrimSpace(strings.TrimPrefix(out, ","))
}
