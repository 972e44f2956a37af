package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chatbridge/internal/domain"

	"golang.org/x/time/rate"
)

const defaultHTTPTimeout = 120 * time.Second

// OpenAI implements domain.Provider for OpenAI-compatible chat completion
// APIs. Gemini is reached through its OpenAI-compatible endpoint.
type OpenAI struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	media   *MediaLoader
	logger  *slog.Logger
}

type OpenAIConfig struct {
	APIKey             string
	APIBase            string
	Model              string
	Timeout            time.Duration
	RateLimitPerMinute int // 0 disables client-side throttling
	Logger             *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://generativelanguage.googleapis.com/v1beta/openai"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimitPerMinute > 0 {
		burst := max(1, cfg.RateLimitPerMinute/6)
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitPerMinute)), burst)
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &OpenAI{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  client,
		limiter: limiter,
		media:   NewMediaLoader(client),
		logger:  cfg.Logger.With("component", "provider", "provider", "openai"),
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ai endpoint not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("ai endpoint: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ai endpoint returned %d", resp.StatusCode)
	}
	return nil
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
}

// oaiMessage.Content is either a string or a []oaiPart.
type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaiPart struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	ImageURL   *oaiImageURL   `json:"image_url,omitempty"`
	InputAudio *oaiInputAudio `json:"input_audio,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiInputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
}

type oaiChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = o.apiKey
	}
	if apiKey == "" {
		return nil, domain.NewError(domain.ErrValidation, "chat", "no AI API key configured", nil)
	}

	msgs := make([]oaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om, err := o.buildMessage(ctx, m)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, om)
	}

	body := oaiRequest{Model: model, Messages: msgs}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	start := time.Now()
	resp, err := chatRetry.do(ctx, o.client, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer "+apiKey)
		return r, nil
	}, o.logger)
	if err != nil {
		return nil, domain.NewError(domain.ErrExternal, "chat", "ai request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.NewError(domain.ErrExternal, "chat",
			fmt.Sprintf("ai endpoint returned %d", resp.StatusCode), fmt.Errorf("%s", respBody))
	}

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, domain.NewError(domain.ErrExternal, "chat", "decode ai response", err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, domain.NewError(domain.ErrExternal, "chat", "ai response had no choices", nil)
	}

	choice := oaiResp.Choices[0]
	return &domain.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: domain.Usage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (o *OpenAI) buildMessage(ctx context.Context, m domain.Message) (oaiMessage, error) {
	if len(m.Attachments) == 0 {
		return oaiMessage{Role: m.Role, Content: m.Content}, nil
	}

	parts := make([]oaiPart, 0, len(m.Attachments)+1)
	if m.Content != "" {
		parts = append(parts, oaiPart{Type: "text", Text: m.Content})
	}
	for _, att := range m.Attachments {
		part, err := o.attachmentPart(ctx, att)
		if err != nil {
			return oaiMessage{}, err
		}
		parts = append(parts, part)
	}
	return oaiMessage{Role: m.Role, Content: parts}, nil
}

// attachmentPart maps a media attachment onto the richest part type the
// endpoint accepts. Media without a binary part type is described in text.
func (o *OpenAI) attachmentPart(ctx context.Context, att domain.Attachment) (oaiPart, error) {
	switch att.Kind {
	case domain.ModalityImage, domain.ModalitySticker:
		data, mime, err := o.media.Load(ctx, att.Ref)
		if err != nil {
			return oaiPart{}, err
		}
		uri := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
		return oaiPart{Type: "image_url", ImageURL: &oaiImageURL{URL: uri}}, nil

	case domain.ModalityAudio:
		data, mime, err := o.media.Load(ctx, att.Ref)
		if err != nil {
			return oaiPart{}, err
		}
		return oaiPart{Type: "input_audio", InputAudio: &oaiInputAudio{
			Data:   base64.StdEncoding.EncodeToString(data),
			Format: audioFormat(mime),
		}}, nil

	case domain.ModalityDocument:
		if isTextMime(att.Ref.MimeType) {
			data, _, err := o.media.Load(ctx, att.Ref)
			if err != nil {
				return oaiPart{}, err
			}
			return oaiPart{Type: "text", Text: describe(att) + "\n---\n" + truncateText(string(data), maxInlineText)}, nil
		}
	}
	return oaiPart{Type: "text", Text: describe(att)}, nil
}
