package reply

import (
	"regexp"
	"strings"
)

// ParsedReply is one deliverable payload extracted from agent output.
type ParsedReply struct {
	Text           string
	MediaURL       string
	MediaURLs      []string
	ReplyToID      string
	ReplyToCurrent bool
	ReplyToTag     bool
	AudioAsVoice   bool
	IsSilent       bool
}

// HasRenderableContent reports whether the payload carries anything worth
// sending to a channel.
func (p *ParsedReply) HasRenderableContent() bool {
	if p == nil {
		return false
	}
	return p.Text != "" || p.MediaURL != "" || len(p.MediaURLs) > 0 || p.AudioAsVoice
}

var (
	mediaDirectiveRe  = regexp.MustCompile(`(?i)\[\[(image|audio|video|file):([^\]]+)\]\]`)
	voiceDirectiveRe  = regexp.MustCompile(`(?i)\[\[audio_as_voice\]\]`)
	silentDirectiveRe = regexp.MustCompile(`(?i)\[\[silent\]\]`)
	replyCurrentRe    = regexp.MustCompile(`(?i)\[\[reply_to_current\]\]`)
	replyToRe         = regexp.MustCompile(`(?i)\[\[reply_to:([^\]]+)\]\]`)
	whitespaceRunRe   = regexp.MustCompile(`\s+`)
)

// splitMediaFromOutput strips [[image/audio/video/file:URL]] and
// [[audio_as_voice]] directives, collecting the URLs.
func splitMediaFromOutput(text string) (clean string, urls []string, voice bool) {
	clean = mediaDirectiveRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := mediaDirectiveRe.FindStringSubmatch(match)
		if len(sub) == 3 {
			if url := strings.TrimSpace(sub[2]); url != "" {
				urls = append(urls, url)
			}
		}
		return ""
	})
	if voiceDirectiveRe.MatchString(clean) {
		voice = true
		clean = voiceDirectiveRe.ReplaceAllString(clean, "")
	}
	return clean, urls, voice
}

// SplitTrailingDirective splits an unterminated trailing "[[..." off text
// so it can be buffered until the next chunk completes it.
func SplitTrailingDirective(text string) (body, tail string) {
	open := strings.LastIndex(text, "[[")
	if open < 0 {
		return text, ""
	}
	if strings.Contains(text[open+2:], "]]") {
		return text, ""
	}
	return text[:open], text[open:]
}

type pendingReply struct {
	explicitID string
	sawCurrent bool
	hasTag     bool
}

// Accumulator parses inline directives from streaming output, buffering
// incomplete directives across chunk boundaries. It is a pure state
// machine; it never performs I/O.
type Accumulator struct {
	pendingTail  string
	pendingReply pendingReply
	silentToken  string
}

// AccumulatorOption configures an Accumulator.
type AccumulatorOption func(*Accumulator)

// WithSilentToken overrides the default NO_REPLY token.
func WithSilentToken(token string) AccumulatorOption {
	return func(a *Accumulator) { a.silentToken = token }
}

// NewAccumulator creates a streaming directive accumulator.
func NewAccumulator(opts ...AccumulatorOption) *Accumulator {
	a := &Accumulator{silentToken: SilentReplyToken}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Reset clears buffered state between turns.
func (a *Accumulator) Reset() {
	a.pendingTail = ""
	a.pendingReply = pendingReply{}
}

// Consume folds one raw chunk into the accumulator. It returns a payload
// when renderable content is available, nil otherwise. A reply binding
// seen without content persists until the next payload carries it. On
// final the buffered tail is flushed as text.
func (a *Accumulator) Consume(raw string, final bool) *ParsedReply {
	combined := a.pendingTail + raw
	a.pendingTail = ""

	if !final {
		var tail string
		combined, tail = SplitTrailingDirective(combined)
		a.pendingTail = tail
	}

	if combined == "" {
		return nil
	}

	parsed := a.parseChunk(combined)

	hasTag := a.pendingReply.hasTag || parsed.ReplyToTag
	sawCurrent := a.pendingReply.sawCurrent || parsed.ReplyToCurrent
	explicitID := parsed.ReplyToID
	if explicitID == "" {
		explicitID = a.pendingReply.explicitID
	}

	result := &ParsedReply{
		Text:           parsed.Text,
		MediaURL:       parsed.MediaURL,
		MediaURLs:      parsed.MediaURLs,
		ReplyToID:      explicitID,
		ReplyToCurrent: sawCurrent,
		ReplyToTag:     hasTag,
		AudioAsVoice:   parsed.AudioAsVoice,
		IsSilent:       parsed.IsSilent,
	}

	if !parsed.HasRenderableContent() {
		if hasTag {
			a.pendingReply = pendingReply{
				explicitID: explicitID,
				sawCurrent: sawCurrent,
				hasTag:     hasTag,
			}
		}
		return nil
	}

	a.pendingReply = pendingReply{}
	return result
}

func (a *Accumulator) parseChunk(raw string) *ParsedReply {
	text, mediaURLs, voice := splitMediaFromOutput(raw)

	out := &ParsedReply{AudioAsVoice: voice}

	if silentDirectiveRe.MatchString(text) {
		out.IsSilent = true
		text = silentDirectiveRe.ReplaceAllString(text, "")
	}
	if replyCurrentRe.MatchString(text) {
		out.ReplyToTag = true
		out.ReplyToCurrent = true
		text = replyCurrentRe.ReplaceAllString(text, "")
	}
	if sub := replyToRe.FindStringSubmatch(text); sub != nil {
		out.ReplyToTag = true
		out.ReplyToID = strings.TrimSpace(sub[1])
		text = replyToRe.ReplaceAllString(text, "")
	}

	text = strings.TrimSpace(whitespaceRunRe.ReplaceAllString(text, " "))

	if IsHeartbeatText(text) {
		text = StripToken(text, HeartbeatToken)
		if text == "" {
			out.IsSilent = true
		}
	}
	if IsSilentReplyText(text, a.silentToken) {
		out.IsSilent = true
	}
	if out.IsSilent {
		text = ""
	}

	out.Text = text
	switch len(mediaURLs) {
	case 0:
	case 1:
		out.MediaURL = mediaURLs[0]
	default:
		out.MediaURLs = mediaURLs
	}
	return out
}
