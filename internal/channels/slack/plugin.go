// Package slack implements the Slack channel plugin over Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/openclaw/internal/channels"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// maxMessageLen keeps outbound text inside Slack's block limit.
const maxMessageLen = 3800

// Config holds the plugin settings.
type Config struct {
	// BotToken is the xoxb- token. Required.
	BotToken string

	// AppToken is the xapp- token for Socket Mode. Required.
	AppToken string

	// AccountID tags envelopes when one process runs several bots.
	AccountID string

	Logger *slog.Logger
}

// Plugin implements channels.Plugin for Slack.
type Plugin struct {
	config    Config
	logger    *slog.Logger
	envelopes chan *models.InboundEnvelope

	mu     sync.Mutex
	client *slack.Client
	socket *socketmode.Client
	cancel context.CancelFunc
	botID  string
}

// New creates the plugin. Both tokens are required.
func New(cfg Config) (*Plugin, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("slack: bot token is required")
	}
	if cfg.AppToken == "" {
		return nil, errors.New("slack: app token is required for socket mode")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Plugin{
		config:    cfg,
		logger:    cfg.Logger.With("channel", "slack"),
		envelopes: make(chan *models.InboundEnvelope, 100),
	}, nil
}

func (p *Plugin) ID() models.ChannelType { return models.ChannelSlack }

func (p *Plugin) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		ChatTypes:     []models.ChatType{models.ChatDirect, models.ChatGroup, models.ChatChannel},
		MaxMessageLen: maxMessageLen,
		SupportsMedia: true,
		SupportsReply: true,
	}
}

// Start authenticates and runs the Socket Mode event loop.
func (p *Plugin) Start(ctx context.Context) error {
	client := slack.New(p.config.BotToken, slack.OptionAppLevelToken(p.config.AppToken))

	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}

	socket := socketmode.New(client)
	loopCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.client = client
	p.socket = socket
	p.cancel = cancel
	p.botID = auth.UserID
	p.mu.Unlock()

	go func() {
		if err := socket.RunContext(loopCtx); err != nil && loopCtx.Err() == nil {
			p.logger.Error("socket mode loop ended", "error", err)
		}
	}()
	go func() {
		p.eventLoop(loopCtx, socket)
		close(p.envelopes)
	}()

	p.logger.Info("slack plugin started", "bot_user", auth.UserID)
	return nil
}

// Stop ends the socket loop; the envelope channel closes behind it.
func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	return nil
}

func (p *Plugin) Envelopes() <-chan *models.InboundEnvelope {
	return p.envelopes
}

func (p *Plugin) eventLoop(ctx context.Context, socket *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				p.logger.Info("slack socket connected")
			case socketmode.EventTypeConnectionError:
				p.logger.Warn("slack socket connection error")
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					socket.Ack(*evt.Request)
				}
				p.handleEventsAPI(ctx, apiEvent)
			}
		}
	}
}

func (p *Plugin) handleEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Skip edits, joins, and our own messages.
	if ev.SubType != "" || ev.BotID != "" || ev.User == p.botID {
		return
	}

	env := p.convertMessage(ev)
	select {
	case p.envelopes <- env:
	case <-ctx.Done():
	default:
		p.logger.Warn("envelope buffer full, dropping message", "chat_id", env.ChatID)
	}
}

// mentionPattern matches Slack's <@U123ABC> mention markup.
var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)>`)

func (p *Plugin) convertMessage(ev *slackevents.MessageEvent) *models.InboundEnvelope {
	chatType := models.ChatChannel
	switch ev.ChannelType {
	case "im":
		chatType = models.ChatDirect
	case "mpim", "group":
		chatType = models.ChatGroup
	}

	env := &models.InboundEnvelope{
		ChannelID: string(models.ChannelSlack),
		MessageID: ev.TimeStamp,
		SenderID:  ev.User,
		ChatID:    ev.Channel,
		ChatType:  chatType,
		AccountID: p.config.AccountID,
		Text:      ev.Text,
		ReplyTo:   ev.ThreadTimeStamp,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
		Metadata:  map[string]any{"channel_type": ev.ChannelType},
	}

	for _, match := range mentionPattern.FindAllStringSubmatch(ev.Text, -1) {
		env.Mentions = append(env.Mentions, match[1])
		if match[1] == p.botID {
			env.Metadata["bot_mentioned"] = true
		}
	}
	return env
}

// parseSlackTimestamp converts "1712345678.000200" to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	var sec, frac int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &frac); err != nil {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

// Send posts text to a channel, threading when ReplyTo is set.
func (p *Plugin) Send(ctx context.Context, out *channels.Outbound) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return errors.New("slack: plugin not started")
	}

	options := []slack.MsgOption{}
	text := out.Text
	for _, att := range out.Attachments {
		if text != "" {
			text += "\n"
		}
		text += att.URL
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	options = append(options, slack.MsgOptionText(text, false))
	if out.ReplyTo != "" {
		options = append(options, slack.MsgOptionTS(out.ReplyTo))
	}

	if _, _, err := client.PostMessageContext(ctx, out.ChatID, options...); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}
