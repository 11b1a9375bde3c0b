package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxMediaBytes caps inbound media downloads at 50MB.
const maxMediaBytes = 50 << 20

// MediaStore downloads inbound attachments into the workspace so tools
// can read them by path.
type MediaStore struct {
	// Dir is the destination, typically <workspace>/media/inbound.
	Dir string

	// Client defaults to a 60s-timeout http.Client.
	Client *http.Client
}

// NewMediaStore creates the store rooted at workspace/media/inbound.
func NewMediaStore(workspace string) *MediaStore {
	return &MediaStore{
		Dir:    filepath.Join(workspace, "media", "inbound"),
		Client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Download fetches a URL into the store and returns the local path.
func (s *MediaStore) Download(ctx context.Context, url, filename string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	name := sanitizeFilename(filename)
	if name == "" {
		name = "file"
	}
	dest := filepath.Join(s.Dir, uuid.NewString()[:8]+"-"+name)

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxMediaBytes)); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("write media: %w", err)
	}
	return dest, nil
}

// sanitizeFilename strips path separators and control characters so a
// platform-provided name cannot escape the media directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20, r == 0x7f:
		case r == '/', r == '\\', r == ':':
			sb.WriteByte('_')
		default:
			sb.WriteRune(r)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "." || out == ".." {
		return ""
	}
	return out
}
