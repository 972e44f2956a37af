package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatbridge/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	chatRetry = retryPolicy{attempts: 4, base: time.Millisecond, max: 5 * time.Millisecond}
}

type capturedRequest struct {
	Auth string
	Body map[string]any
}

func completionServer(t *testing.T, reply string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		if captured != nil {
			captured.Auth = r.Header.Get("Authorization")
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured.Body))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChat_TextOnly(t *testing.T) {
	var got capturedRequest
	srv := completionServer(t, "hola", &got)
	p := NewOpenAI(OpenAIConfig{APIKey: "default-key", APIBase: srv.URL, Model: "m1"})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hola", resp.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	assert.Equal(t, "Bearer default-key", got.Auth)
	assert.Equal(t, "m1", got.Body["model"])

	msgs := got.Body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[1].(map[string]any)["content"])
}

func TestChat_PerRequestKeyOverride(t *testing.T) {
	var got capturedRequest
	srv := completionServer(t, "ok", &got)
	p := NewOpenAI(OpenAIConfig{APIKey: "default-key", APIBase: srv.URL})

	_, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "x"}},
		APIKey:   "account-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer account-key", got.Auth)
}

func TestChat_NoKey(t *testing.T) {
	p := NewOpenAI(OpenAIConfig{APIBase: "http://127.0.0.1:1"})
	_, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "x"}}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestChat_MultimodalParts(t *testing.T) {
	var got capturedRequest
	srv := completionServer(t, "es un gato", &got)
	p := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL})

	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("lista de precios"), 0o644))

	_, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{
			Role:    "user",
			Content: "describe",
			Attachments: []domain.Attachment{
				{Kind: domain.ModalityImage, Ref: domain.MediaRef{MimeType: "image/png", Data: []byte("png-bytes")}},
				{Kind: domain.ModalityAudio, Ref: domain.MediaRef{MimeType: "audio/mpeg", Data: []byte("mp3-bytes")}},
				{Kind: domain.ModalityDocument, Ref: domain.MediaRef{MimeType: "text/plain", Path: notes, FileName: "notes.txt"}},
				{Kind: domain.ModalityVideo, Ref: domain.MediaRef{MimeType: "video/mp4", FileName: "clip.mp4", Duration: 12}},
			},
		}},
	})
	require.NoError(t, err)

	parts := got.Body["messages"].([]any)[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 5)

	assert.Equal(t, "text", parts[0].(map[string]any)["type"])

	img := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	wantURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	assert.Equal(t, wantURI, img["image_url"].(map[string]any)["url"])

	audio := parts[2].(map[string]any)
	assert.Equal(t, "input_audio", audio["type"])
	assert.Equal(t, "mp3", audio["input_audio"].(map[string]any)["format"])

	doc := parts[3].(map[string]any)["text"].(string)
	assert.Contains(t, doc, "file=notes.txt")
	assert.Contains(t, doc, "lista de precios")

	video := parts[4].(map[string]any)["text"].(string)
	assert.True(t, strings.HasPrefix(video, "[video]"))
	assert.Contains(t, video, "duration=12s")
}

func TestChat_MediaFromURL(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote-image"))
	}))
	defer media.Close()

	var got capturedRequest
	srv := completionServer(t, "ok", &got)
	p := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL})

	_, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{
			Role:        "user",
			Attachments: []domain.Attachment{{Kind: domain.ModalitySticker, Ref: domain.MediaRef{URL: media.URL, MimeType: "image/webp"}}},
		}},
	})
	require.NoError(t, err)
	parts := got.Body["messages"].([]any)[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 1)
	url := parts[0].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(url, "data:image/webp;base64,"))
}

func TestChat_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "finally"}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL})
	resp, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "finally", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestChat_ClientErrorIsExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL})
	_, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExternal)
}

func TestAudioFormat(t *testing.T) {
	cases := map[string]string{
		"audio/mpeg":             "mp3",
		"audio/x-wav":            "wav",
		"audio/ogg; codecs=opus": "ogg",
		"":                       "ogg",
		"audio/aac":              "aac",
	}
	for in, want := range cases {
		assert.Equal(t, want, audioFormat(in), in)
	}
}
