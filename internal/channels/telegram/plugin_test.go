package telegram

import (
	"testing"

	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/openclaw/pkg/models"
)

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("empty token accepted")
	}
}

func TestConvertMessageDirect(t *testing.T) {
	msg := &tgmodels.Message{
		ID:   99,
		Date: 1712000000,
		Chat: tgmodels.Chat{ID: 12345, Type: "private"},
		From: &tgmodels.User{ID: 777, FirstName: "Ada", LastName: "Lovelace", Username: "ada"},
		Text: "hello there",
	}

	env := convertMessage(msg, "acct-1")

	if env.ChannelID != "telegram" || env.MessageID != "99" {
		t.Errorf("identity = %s/%s", env.ChannelID, env.MessageID)
	}
	if env.ChatType != models.ChatDirect {
		t.Errorf("chat type = %s", env.ChatType)
	}
	if env.SenderID != "777" || env.SenderName != "Ada Lovelace" {
		t.Errorf("sender = %s/%s", env.SenderID, env.SenderName)
	}
	if env.AccountID != "acct-1" {
		t.Errorf("account = %s", env.AccountID)
	}
	if env.Metadata["username"] != "ada" {
		t.Errorf("username = %v", env.Metadata["username"])
	}
}

func TestConvertMessageGroupWithMention(t *testing.T) {
	text := "@clawbot summarize this"
	msg := &tgmodels.Message{
		ID:   5,
		Chat: tgmodels.Chat{ID: -100123, Type: "supergroup", Title: "ops"},
		From: &tgmodels.User{ID: 1},
		Text: text,
		Entities: []tgmodels.MessageEntity{
			{Type: tgmodels.MessageEntityTypeMention, Offset: 0, Length: 8},
		},
	}

	env := convertMessage(msg, "")
	if env.ChatType != models.ChatGroup {
		t.Errorf("chat type = %s", env.ChatType)
	}
	if len(env.Mentions) != 1 || env.Mentions[0] != "clawbot" {
		t.Errorf("mentions = %v", env.Mentions)
	}
}

func TestConvertMessageAttachments(t *testing.T) {
	msg := &tgmodels.Message{
		ID:      7,
		Chat:    tgmodels.Chat{ID: 1, Type: "private"},
		Caption: "see attached",
		Photo: []tgmodels.PhotoSize{
			{FileID: "small"},
			{FileID: "large"},
		},
		Voice: &tgmodels.Voice{FileID: "v1"},
	}

	env := convertMessage(msg, "")
	if env.Text != "see attached" {
		t.Errorf("caption not used as text: %q", env.Text)
	}
	if len(env.Attachments) != 2 {
		t.Fatalf("attachments = %d", len(env.Attachments))
	}
	// Largest photo size wins.
	if env.Attachments[0].Type != "image" || env.Attachments[0].URL != "large" {
		t.Errorf("photo = %+v", env.Attachments[0])
	}
	if env.Attachments[1].Type != "voice" || env.Attachments[1].MimeType != "audio/ogg" {
		t.Errorf("voice = %+v", env.Attachments[1])
	}
}
