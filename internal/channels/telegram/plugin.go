// Package telegram implements the Telegram channel plugin on top of
// go-telegram/bot long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/openclaw/internal/channels"
	"github.com/haasonsaas/openclaw/pkg/models"
)

// maxMessageLen is Telegram's outbound text limit.
const maxMessageLen = 4096

// Config holds the plugin settings.
type Config struct {
	// Token is the bot token from @BotFather. Required.
	Token string

	// AccountID tags envelopes when one process runs several bots.
	AccountID string

	Logger *slog.Logger
}

// Plugin implements channels.Plugin for Telegram.
type Plugin struct {
	config    Config
	logger    *slog.Logger
	envelopes chan *models.InboundEnvelope

	mu     sync.Mutex
	bot    *bot.Bot
	cancel context.CancelFunc
}

// New creates the plugin. The token is required.
func New(cfg Config) (*Plugin, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Plugin{
		config:    cfg,
		logger:    cfg.Logger.With("channel", "telegram"),
		envelopes: make(chan *models.InboundEnvelope, 100),
	}, nil
}

func (p *Plugin) ID() models.ChannelType { return models.ChannelTelegram }

func (p *Plugin) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		ChatTypes:      []models.ChatType{models.ChatDirect, models.ChatGroup},
		MaxMessageLen:  maxMessageLen,
		SupportsMedia:  true,
		SupportsTyping: true,
		SupportsVoice:  true,
		SupportsReply:  true,
	}
}

// Start connects and begins long polling in the background.
func (p *Plugin) Start(ctx context.Context) error {
	b, err := bot.New(p.config.Token, bot.WithDefaultHandler(p.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.bot = b
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		b.Start(pollCtx)
		close(p.envelopes)
	}()

	p.logger.Info("telegram plugin started")
	return nil
}

// Stop ends polling; the envelope channel closes once the poller exits.
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

func (p *Plugin) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || (msg.From != nil && msg.From.IsBot) {
		return
	}

	env := convertMessage(msg, p.config.AccountID)
	p.resolveAttachmentURLs(ctx, b, env)

	select {
	case p.envelopes <- env:
	case <-ctx.Done():
	default:
		p.logger.Warn("envelope buffer full, dropping message", "chat_id", env.ChatID)
	}
}

// resolveAttachmentURLs turns Telegram file IDs into download links.
func (p *Plugin) resolveAttachmentURLs(ctx context.Context, b *bot.Bot, env *models.InboundEnvelope) {
	for i := range env.Attachments {
		att := &env.Attachments[i]
		file, err := b.GetFile(ctx, &bot.GetFileParams{FileID: att.URL})
		if err != nil {
			p.logger.Warn("file lookup failed", "error", err)
			continue
		}
		att.URL = b.FileDownloadLink(file)
		att.Size = file.FileSize
	}
}

// Send delivers text, then attachments, to a Telegram chat.
func (p *Plugin) Send(ctx context.Context, out *channels.Outbound) error {
	p.mu.Lock()
	b := p.bot
	p.mu.Unlock()
	if b == nil {
		return errors.New("telegram: plugin not started")
	}

	chatID, err := strconv.ParseInt(out.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", out.ChatID, err)
	}

	if out.Text != "" {
		params := &bot.SendMessageParams{ChatID: chatID, Text: out.Text}
		if out.ReplyTo != "" {
			if replyID, err := strconv.Atoi(out.ReplyTo); err == nil {
				params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: replyID}
			}
		}
		if _, err := b.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}

	for _, att := range out.Attachments {
		if err := p.sendAttachment(ctx, b, chatID, att, out.AudioAsVoice); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plugin) sendAttachment(ctx context.Context, b *bot.Bot, chatID int64, att models.Attachment, audioAsVoice bool) error {
	input := &tgmodels.InputFileString{Data: att.URL}
	var err error
	switch att.Type {
	case "image":
		_, err = b.SendPhoto(ctx, &bot.SendPhotoParams{ChatID: chatID, Photo: input})
	case "audio":
		if audioAsVoice {
			_, err = b.SendVoice(ctx, &bot.SendVoiceParams{ChatID: chatID, Voice: input})
		} else {
			_, err = b.SendAudio(ctx, &bot.SendAudioParams{ChatID: chatID, Audio: input})
		}
	case "voice":
		_, err = b.SendVoice(ctx, &bot.SendVoiceParams{ChatID: chatID, Voice: input})
	default:
		_, err = b.SendDocument(ctx, &bot.SendDocumentParams{ChatID: chatID, Document: input})
	}
	if err != nil {
		return fmt.Errorf("telegram: send %s: %w", att.Type, err)
	}
	return nil
}

// SendTyping implements channels.TypingNotifier.
func (p *Plugin) SendTyping(ctx context.Context, chatIDStr string) error {
	p.mu.Lock()
	b := p.bot
	p.mu.Unlock()
	if b == nil {
		return nil
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return err
	}
	_, err = b.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
	return err
}

// convertMessage normalizes a Telegram message into an envelope.
func convertMessage(msg *tgmodels.Message, accountID string) *models.InboundEnvelope {
	chatType := models.ChatGroup
	if msg.Chat.Type == "private" {
		chatType = models.ChatDirect
	}

	env := &models.InboundEnvelope{
		ChannelID: string(models.ChannelTelegram),
		MessageID: strconv.Itoa(msg.ID),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		ChatType:  chatType,
		AccountID: accountID,
		Text:      messageText(msg),
		Mentions:  extractMentions(msg),
		Timestamp: time.Unix(int64(msg.Date), 0),
		Metadata:  map[string]any{"chat_title": msg.Chat.Title},
	}

	if msg.From != nil {
		env.SenderID = strconv.FormatInt(msg.From.ID, 10)
		env.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if msg.From.Username != "" {
			env.Metadata["username"] = msg.From.Username
		}
	}
	if msg.ReplyToMessage != nil {
		env.ReplyTo = strconv.Itoa(msg.ReplyToMessage.ID)
	}

	env.Attachments = extractAttachments(msg)
	return env
}

func messageText(msg *tgmodels.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

// extractMentions pulls @username entities from the message text.
func extractMentions(msg *tgmodels.Message) []string {
	var mentions []string
	text := []rune(messageText(msg))
	entities := msg.Entities
	if len(entities) == 0 {
		entities = msg.CaptionEntities
	}
	for _, ent := range entities {
		if ent.Type != tgmodels.MessageEntityTypeMention {
			continue
		}
		end := ent.Offset + ent.Length
		if ent.Offset < 0 || end > len(text) {
			continue
		}
		mentions = append(mentions, strings.TrimPrefix(string(text[ent.Offset:end]), "@"))
	}
	return mentions
}

func extractAttachments(msg *tgmodels.Message) []models.Attachment {
	var out []models.Attachment
	if len(msg.Photo) > 0 {
		// Last size is the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		out = append(out, models.Attachment{Type: "image", URL: photo.FileID})
	}
	if msg.Document != nil {
		out = append(out, models.Attachment{
			Type:     "document",
			URL:      msg.Document.FileID,
			Filename: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
		})
	}
	if msg.Audio != nil {
		out = append(out, models.Attachment{Type: "audio", URL: msg.Audio.FileID, MimeType: msg.Audio.MimeType})
	}
	if msg.Voice != nil {
		mime := msg.Voice.MimeType
		if mime == "" {
			mime = "audio/ogg"
		}
		out = append(out, models.Attachment{Type: "voice", URL: msg.Voice.FileID, MimeType: mime})
	}
	if msg.Video != nil {
		out = append(out, models.Attachment{Type: "video", URL: msg.Video.FileID, MimeType: msg.Video.MimeType})
	}
	return out
}
