package reply

import (
	"reflect"
	"testing"
)

func TestAccumulatorPlainText(t *testing.T) {
	acc := NewAccumulator()
	got := acc.Consume("hello there", true)
	if got == nil {
		t.Fatal("expected a payload")
	}
	if got.Text != "hello there" || got.IsSilent {
		t.Errorf("payload = %+v", got)
	}
}

func TestAccumulatorDirectives(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, got *ParsedReply)
	}{
		{
			name:  "reply_to",
			input: "[[reply_to:42]] ok",
			check: func(t *testing.T, got *ParsedReply) {
				if got.Text != "ok" || got.ReplyToID != "42" || !got.ReplyToTag {
					t.Errorf("payload = %+v", got)
				}
			},
		},
		{
			name:  "reply_to_current",
			input: "[[reply_to_current]] sure",
			check: func(t *testing.T, got *ParsedReply) {
				if got.Text != "sure" || !got.ReplyToCurrent {
					t.Errorf("payload = %+v", got)
				}
			},
		},
		{
			name:  "image directive",
			input: "here [[image:https://x/a.png]]",
			check: func(t *testing.T, got *ParsedReply) {
				if got.Text != "here" || got.MediaURL != "https://x/a.png" {
					t.Errorf("payload = %+v", got)
				}
			},
		},
		{
			name:  "multiple media",
			input: "[[image:https://x/a.png]] [[video:https://x/b.mp4]]",
			check: func(t *testing.T, got *ParsedReply) {
				want := []string{"https://x/a.png", "https://x/b.mp4"}
				if !reflect.DeepEqual(got.MediaURLs, want) {
					t.Errorf("MediaURLs = %v, want %v", got.MediaURLs, want)
				}
			},
		},
		{
			name:  "audio as voice",
			input: "[[audio:https://x/c.ogg]] [[audio_as_voice]]",
			check: func(t *testing.T, got *ParsedReply) {
				if !got.AudioAsVoice || got.MediaURL != "https://x/c.ogg" {
					t.Errorf("payload = %+v", got)
				}
			},
		},
		{
			name:  "case insensitive",
			input: "[[Reply_To:9]] YES",
			check: func(t *testing.T, got *ParsedReply) {
				if got.ReplyToID != "9" || got.Text != "YES" {
					t.Errorf("payload = %+v", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewAccumulator()
			got := acc.Consume(tt.input, true)
			if got == nil {
				t.Fatal("expected a payload")
			}
			tt.check(t, got)
		})
	}
}

func TestAccumulatorSilent(t *testing.T) {
	tests := []string{
		"NO_REPLY",
		"  NO_REPLY.",
		"[[silent]]",
		"HEARTBEAT_OK",
	}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			acc := NewAccumulator()
			if got := acc.Consume(input, true); got != nil {
				t.Errorf("silent input produced payload %+v", got)
			}
		})
	}
}

func TestAccumulatorDirectiveAcrossChunks(t *testing.T) {
	acc := NewAccumulator()

	if got := acc.Consume("[[reply_", false); got != nil {
		t.Fatalf("incomplete directive emitted payload %+v", got)
	}
	got := acc.Consume("to:42]] ok", true)
	if got == nil {
		t.Fatal("expected payload after directive completes")
	}
	if got.Text != "ok" || got.ReplyToID != "42" {
		t.Errorf("payload = %+v", got)
	}
}

func TestAccumulatorSplitInvariance(t *testing.T) {
	directive := "[[reply_to:42]]"
	full := directive + " ok"

	whole := NewAccumulator().Consume(full, true)
	if whole == nil {
		t.Fatal("whole input produced no payload")
	}

	// Any split inside the directive must reproduce the whole-input result.
	for cut := 1; cut < len(directive); cut++ {
		acc := NewAccumulator()
		if p := acc.Consume(full[:cut], false); p != nil {
			t.Fatalf("cut %d: partial directive emitted payload %+v", cut, p)
		}
		got := acc.Consume(full[cut:], true)
		if got == nil {
			t.Fatalf("cut %d: no payload", cut)
		}
		if got.Text != whole.Text || got.ReplyToID != whole.ReplyToID || got.ReplyToTag != whole.ReplyToTag {
			t.Errorf("cut %d: payload = %+v, want %+v", cut, got, whole)
		}
	}
}

func TestAccumulatorReplyBindingCarriesForward(t *testing.T) {
	acc := NewAccumulator()

	// A chunk that is only a reply tag has no renderable content; the
	// binding must persist into the next payload.
	if got := acc.Consume("[[reply_to:7]]", false); got != nil {
		t.Fatalf("tag-only chunk emitted payload %+v", got)
	}
	got := acc.Consume("done", true)
	if got == nil {
		t.Fatal("expected payload")
	}
	if got.ReplyToID != "7" || got.Text != "done" {
		t.Errorf("payload = %+v", got)
	}
}

func TestAccumulatorTailFlushedOnFinal(t *testing.T) {
	acc := NewAccumulator()
	if got := acc.Consume("trailing [[oops", false); got == nil || got.Text != "trailing" {
		t.Fatalf("expected body before open directive, got %+v", got)
	}
	// Final flush emits the unterminated tail as literal text.
	got := acc.Consume("", true)
	if got == nil || got.Text != "[[oops" {
		t.Fatalf("final flush = %+v, want literal tail", got)
	}
}

func TestSplitTrailingDirective(t *testing.T) {
	tests := []struct {
		input string
		body  string
		tail  string
	}{
		{"plain text", "plain text", ""},
		{"done [[reply_to:1]]", "done [[reply_to:1]]", ""},
		{"start [[reply_", "start ", "[[reply_"},
		{"[[a]] and [[b", "[[a]] and ", "[[b"},
	}
	for _, tt := range tests {
		body, tail := SplitTrailingDirective(tt.input)
		if body != tt.body || tail != tt.tail {
			t.Errorf("SplitTrailingDirective(%q) = (%q, %q), want (%q, %q)",
				tt.input, body, tail, tt.body, tt.tail)
		}
	}
}
