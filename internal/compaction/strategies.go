package compaction

import (
	"context"
	"sort"

	"github.com/haasonsaas/openclaw/pkg/models"
)

// Strategy selects how history is pruned when the window overflows.
type Strategy string

const (
	StrategyKeepRecent    Strategy = "keep-recent"
	StrategyKeepImportant Strategy = "keep-important"
	StrategySlidingWindow Strategy = "sliding-window"
	StrategySummarize     Strategy = "summarize"
)

// Summarizer generates a summary of messages that are about to be dropped.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.Message) (string, error)
}

// Options configures Compact.
type Options struct {
	Estimator  Estimator
	Strategy   Strategy
	Summarizer Summarizer // required for StrategySummarize
}

// unit is the smallest droppable slice of history. An assistant message
// carrying tool calls and the toolResult messages that follow it form a
// single unit so pairing survives every strategy.
type unit struct {
	messages []models.Message
	index    int // position of first message in the original slice
	system   bool
}

func (u *unit) tokens(est Estimator) int {
	total := 0
	for i := range u.messages {
		total += est.Message(&u.messages[i])
	}
	return total
}

func (u *unit) headRole() models.Role {
	if len(u.messages) == 0 {
		return ""
	}
	return u.messages[0].Role
}

func groupUnits(messages []models.Message) []unit {
	units := make([]unit, 0, len(messages))
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		u := unit{messages: []models.Message{msg}, index: i, system: msg.Role == models.RoleSystem}
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			for i+1 < len(messages) && messages[i+1].Role == models.RoleToolResult {
				i++
				u.messages = append(u.messages, messages[i])
			}
		}
		units = append(units, u)
	}
	return units
}

func flatten(units []unit) []models.Message {
	sort.Slice(units, func(i, j int) bool { return units[i].index < units[j].index })
	out := make([]models.Message, 0, len(units))
	for _, u := range units {
		out = append(out, u.messages...)
	}
	return out
}

// Compact prunes messages to fit budget tokens using the configured
// strategy. System messages are always preserved; an assistant message
// with tool calls is never separated from its tool results.
func Compact(ctx context.Context, messages []models.Message, budget int, opts Options) ([]models.Message, error) {
	if budget <= 0 {
		budget = DefaultContextWindow
	}
	if opts.Estimator.Total(messages) <= budget {
		return messages, nil
	}

	switch opts.Strategy {
	case StrategyKeepImportant:
		return keepImportant(messages, budget, opts.Estimator), nil
	case StrategySlidingWindow:
		return slidingWindow(messages, budget, opts.Estimator), nil
	case StrategySummarize:
		if opts.Summarizer != nil {
			return summarize(ctx, messages, budget, opts)
		}
		return keepRecent(messages, budget, opts.Estimator), nil
	default:
		return keepRecent(messages, budget, opts.Estimator), nil
	}
}

// keepRecent preserves system units, then adds conversation units from
// newest to oldest until the budget is reached.
func keepRecent(messages []models.Message, budget int, est Estimator) []models.Message {
	units := groupUnits(messages)

	kept := make([]unit, 0, len(units))
	used := 0
	var conv []unit
	for _, u := range units {
		if u.system {
			kept = append(kept, u)
			used += u.tokens(est)
		} else {
			conv = append(conv, u)
		}
	}

	for i := len(conv) - 1; i >= 0; i-- {
		cost := conv[i].tokens(est)
		if used+cost > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, conv[i])
		used += cost
	}

	return flatten(kept)
}

func importance(u *unit) float64 {
	switch u.headRole() {
	case models.RoleSystem:
		return 1.0
	case models.RoleAssistant:
		if len(u.messages[0].ToolCalls) > 0 {
			return 0.9
		}
		return 0.7
	case models.RoleUser:
		return 0.6
	case models.RoleToolResult:
		return 0.4
	}
	return 0.0
}

// keepImportant adds units by descending importance until the budget is
// reached, then restores original order. Ties favor newer units.
func keepImportant(messages []models.Message, budget int, est Estimator) []models.Message {
	units := groupUnits(messages)

	ranked := make([]unit, len(units))
	copy(ranked, units)
	sort.SliceStable(ranked, func(i, j int) bool {
		ii, ij := importance(&ranked[i]), importance(&ranked[j])
		if ii != ij {
			return ii > ij
		}
		return ranked[i].index > ranked[j].index
	})

	kept := make([]unit, 0, len(ranked))
	used := 0
	for _, u := range ranked {
		cost := u.tokens(est)
		if u.system {
			kept = append(kept, u)
			used += cost
			continue
		}
		if used+cost > budget && len(kept) > 0 {
			continue
		}
		kept = append(kept, u)
		used += cost
	}

	return flatten(kept)
}

// slidingWindow keeps system units plus a prefix and a suffix of the
// conversation, grown alternately from each end while the budget allows.
func slidingWindow(messages []models.Message, budget int, est Estimator) []models.Message {
	units := groupUnits(messages)

	kept := make([]unit, 0, len(units))
	used := 0
	var conv []unit
	for _, u := range units {
		if u.system {
			kept = append(kept, u)
			used += u.tokens(est)
		} else {
			conv = append(conv, u)
		}
	}

	lo, hi := 0, len(conv)-1
	fromSuffix := true
	for lo <= hi {
		var u unit
		if fromSuffix {
			u = conv[hi]
		} else {
			u = conv[lo]
		}
		cost := u.tokens(est)
		if used+cost > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, u)
		used += cost
		if fromSuffix {
			hi--
		} else {
			lo++
		}
		fromSuffix = !fromSuffix
	}

	return flatten(kept)
}

// summarize runs keepRecent, then replaces the dropped run with a
// generated <summary> user message at the position of the first dropped
// unit. Summarizer failures fall back to plain keepRecent output.
func summarize(ctx context.Context, messages []models.Message, budget int, opts Options) ([]models.Message, error) {
	est := opts.Estimator
	units := groupUnits(messages)

	keptSet := make(map[int]bool)
	reserve := int(float64(budget) * 0.9) // leave room for the summary itself
	used := 0
	var conv []unit
	for _, u := range units {
		if u.system {
			keptSet[u.index] = true
			used += u.tokens(est)
		} else {
			conv = append(conv, u)
		}
	}
	for i := len(conv) - 1; i >= 0; i-- {
		cost := conv[i].tokens(est)
		if used+cost > reserve && len(keptSet) > 0 {
			break
		}
		keptSet[conv[i].index] = true
		used += cost
	}

	var dropped []models.Message
	firstDropped := -1
	var kept []unit
	for _, u := range units {
		if keptSet[u.index] {
			kept = append(kept, u)
			continue
		}
		if firstDropped < 0 {
			firstDropped = u.index
		}
		dropped = append(dropped, u.messages...)
	}
	if len(dropped) == 0 {
		return flatten(kept), nil
	}

	summary, err := opts.Summarizer.Summarize(ctx, dropped)
	if err != nil || summary == "" {
		return flatten(kept), nil
	}

	kept = append(kept, unit{
		messages: []models.Message{{
			Role:    models.RoleUser,
			Content: "<summary>" + summary + "</summary>",
		}},
		index: firstDropped,
	})
	return flatten(kept), nil
}
