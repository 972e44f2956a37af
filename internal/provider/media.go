package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"chatbridge/internal/domain"
)

const (
	maxMediaBytes = 20 << 20
	maxInlineText = 16000
)

// MediaLoader fetches media payloads referenced by a MediaRef.
type MediaLoader struct {
	client *http.Client
}

func NewMediaLoader(client *http.Client) *MediaLoader {
	if client == nil {
		client = http.DefaultClient
	}
	return &MediaLoader{client: client}
}

// Load returns the payload and its MIME type. Inline data wins over a local
// path, which wins over a URL.
func (l *MediaLoader) Load(ctx context.Context, ref domain.MediaRef) ([]byte, string, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case len(ref.Data) > 0:
		data = ref.Data
	case ref.Path != "":
		data, err = readFileLimited(ref.Path)
	case ref.URL != "":
		data, err = l.fetch(ctx, ref.URL)
	default:
		return nil, "", domain.NewError(domain.ErrValidation, "load media", "media reference has no data, path or url", nil)
	}
	if err != nil {
		return nil, "", domain.NewError(domain.ErrExternal, "load media", "cannot read media "+ref.ID, err)
	}

	mime := ref.MimeType
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func (l *MediaLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return readLimited(resp.Body)
}

func readFileLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLimited(f)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxMediaBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	return data, nil
}

func audioFormat(mime string) string {
	sub := mime
	if i := strings.IndexByte(sub, '/'); i >= 0 {
		sub = sub[i+1:]
	}
	if i := strings.IndexByte(sub, ';'); i >= 0 {
		sub = sub[:i]
	}
	switch strings.TrimSpace(sub) {
	case "mpeg", "mp3":
		return "mp3"
	case "wav", "x-wav", "wave":
		return "wav"
	case "":
		return "ogg"
	}
	return strings.TrimSpace(sub)
}

func isTextMime(mime string) bool {
	return strings.HasPrefix(mime, "text/") || strings.HasPrefix(mime, "application/json")
}

// describe renders attachment metadata for media the endpoint cannot take
// as a binary part.
func describe(att domain.Attachment) string {
	r := att.Ref
	fields := []string{"[" + string(att.Kind) + "]"}
	if r.FileName != "" {
		fields = append(fields, "file="+r.FileName)
	}
	if r.MimeType != "" {
		fields = append(fields, "mime="+r.MimeType)
	}
	if r.Size > 0 {
		fields = append(fields, fmt.Sprintf("size=%d", r.Size))
	}
	if r.Duration > 0 {
		fields = append(fields, fmt.Sprintf("duration=%.0fs", r.Duration))
	}
	if r.Caption != "" {
		fields = append(fields, fmt.Sprintf("caption=%q", r.Caption))
	}
	return strings.Join(fields, " ")
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
