package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultLogBufferSize is the default ring capacity.
const DefaultLogBufferSize = 1000

// LogBuffer retains the most recent rendered log lines so the gateway
// can serve tail requests without touching files.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	head  int
	full  bool
}

// NewLogBuffer creates a ring holding up to size lines.
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = DefaultLogBufferSize
	}
	return &LogBuffer{lines: make([]string, size)}
}

// Append records one line, evicting the oldest when full.
func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.head] = line
	b.head = (b.head + 1) % len(b.lines)
	if b.head == 0 {
		b.full = true
	}
}

// Tail returns the last n lines, oldest first. n <= 0 returns everything.
func (b *LogBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.head
	start := 0
	if b.full {
		size = len(b.lines)
		start = b.head
	}
	out := make([]string, 0, size)
	for i := 0; i < size; i++ {
		out = append(out, b.lines[(start+i)%len(b.lines)])
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Handler returns a slog.Handler that tees rendered records into the
// buffer and then delegates to inner.
func (b *LogBuffer) Handler(inner slog.Handler) slog.Handler {
	return &bufferHandler{buffer: b, inner: inner}
}

type bufferHandler struct {
	buffer *LogBuffer
	inner  slog.Handler
	attrs  []slog.Attr
}

func (h *bufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *bufferHandler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Time.Format(time.RFC3339))
	sb.WriteString(" ")
	sb.WriteString(r.Level.String())
	sb.WriteString(" ")
	sb.WriteString(Redact(r.Message))
	for _, a := range h.attrs {
		writeAttr(&sb, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, a)
		return true
	})
	h.buffer.Append(sb.String())
	return h.inner.Handle(ctx, r)
}

func writeAttr(sb *strings.Builder, a slog.Attr) {
	fmt.Fprintf(sb, " %s=%s", a.Key, Redact(a.Value.String()))
}

func (h *bufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &bufferHandler{buffer: h.buffer, inner: h.inner.WithAttrs(attrs), attrs: merged}
}

func (h *bufferHandler) WithGroup(name string) slog.Handler {
	return &bufferHandler{buffer: h.buffer, inner: h.inner.WithGroup(name), attrs: h.attrs}
}
