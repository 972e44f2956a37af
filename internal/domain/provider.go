package domain

import "context"

// Provider is a chat-completion backend able to read multimodal input.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	Healthy(ctx context.Context) error
}

type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
	// APIKey overrides the provider's configured key for this request.
	APIKey string
}

type ChatResponse struct {
	Content      string
	FinishReason string // stop | length
	Usage        Usage
	LatencyMs    int64
}

type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
	// Attachments are sent alongside Content as additional parts.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is one media part of a user message.
type Attachment struct {
	Kind Modality
	Ref  MediaRef
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
