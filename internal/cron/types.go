package cron

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/openclaw/internal/agent"
	"github.com/haasonsaas/openclaw/internal/channels"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// PayloadKind identifies what a job does when it fires.
type PayloadKind string

const (
	// PayloadSystemEvent enqueues text as a user message into the agent's
	// main session.
	PayloadSystemEvent PayloadKind = "system_event"

	// PayloadAgentTurn runs an isolated agent in a fresh session and
	// optionally delivers the final reply to a channel.
	PayloadAgentTurn PayloadKind = "agent_turn"
)

// Payload describes the work a job performs.
type Payload struct {
	Kind     PayloadKind `json:"kind"`
	Text     string      `json:"text,omitempty"`     // system_event
	Prompt   string      `json:"prompt,omitempty"`   // agent_turn
	AgentID  string      `json:"agent_id,omitempty"` // defaults to main
	Delivery *Delivery   `json:"delivery,omitempty"`
}

// Delivery routes an isolated run's reply to a channel chat.
type Delivery struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
}

// Validate checks payload shape against its kind.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadSystemEvent:
		if strings.TrimSpace(p.Text) == "" {
			return errors.New("system_event payload missing text")
		}
	case PayloadAgentTurn:
		if strings.TrimSpace(p.Prompt) == "" {
			return errors.New("agent_turn payload missing prompt")
		}
		if p.Delivery != nil {
			if strings.TrimSpace(p.Delivery.Channel) == "" || strings.TrimSpace(p.Delivery.Target) == "" {
				return errors.New("delivery requires channel and target")
			}
		}
	default:
		return errors.New("unknown payload kind")
	}
	return nil
}

// Job is one scheduled unit of work.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`

	CreatedAtMs int64 `json:"created_at_ms"`
	UpdatedAtMs int64 `json:"updated_at_ms"`

	NextRunMs      int64  `json:"next_run_ms,omitempty"`
	RunningAtMs    int64  `json:"running_at_ms,omitempty"`
	LastRunAtMs    int64  `json:"last_run_at_ms,omitempty"`
	LastStatus     string `json:"last_status,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	LastDurationMs int64  `json:"last_duration_ms,omitempty"`
}

// RunRecord is one line of a job's JSONL run log.
type RunRecord struct {
	JobID       string `json:"job_id"`
	Ts          int64  `json:"ts"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Summary     string `json:"summary,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	NextRunAtMs int64  `json:"next_run_at_ms,omitempty"`
}

// TurnRunner executes agent turns on behalf of jobs. The dispatcher
// satisfies this.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionKey, text string, onEvent func(agent.Event)) (string, error)
}

// Deliverer sends an isolated run's reply to a channel. The channel
// manager satisfies this.
type Deliverer interface {
	Send(ctx context.Context, id models.ChannelType, out *channels.Outbound) error
}
