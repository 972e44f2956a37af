package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatbridge/internal/domain"

	"golang.org/x/sync/errgroup"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const synthesisInstruction = "Eres un asistente conversacional. Responde de forma concisa y natural, " +
	"teniendo en cuenta el contexto previo de la conversación y el análisis del contenido recibido. " +
	"Responde en el idioma del usuario."

// instructions holds the fixed analysis prompt for each modality.
var instructions = map[domain.Modality]string{
	domain.ModalityText:     "Analiza los siguientes mensajes del usuario y resume su intención y contenido.",
	domain.ModalityImage:    "Describe lo que se ve en esta imagen de forma breve y precisa.",
	domain.ModalityAudio:    "Transcribe este audio y resume su contenido.",
	domain.ModalityVideo:    "Describe brevemente el contenido de este video.",
	domain.ModalitySticker:  "Describe este sticker y la emoción que transmite.",
	domain.ModalityDocument: "Resume el contenido de este documento.",
}

// CredentialSource looks up the AI credential registered for an account.
type CredentialSource interface {
	GetCredential(ctx context.Context, accountID string) (*domain.CredentialRecord, error)
}

// Result is the outcome of processing one bundle.
type Result struct {
	Status  string                                    `json:"status"`
	Reply   string                                    `json:"reply,omitempty"`
	Results map[domain.Modality]domain.ModalityResult `json:"results"`
	Error   string                                    `json:"error,omitempty"`
}

// Succeeded reports whether a reply was synthesized.
func (r *Result) Succeeded() bool { return r.Status == StatusSuccess }

type Config struct {
	Provider    domain.Provider
	Credentials CredentialSource // optional
	DefaultKey  string
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      *slog.Logger
}

// Orchestrator analyses every modality of a bundle concurrently and then
// synthesizes a single reply.
type Orchestrator struct {
	provider    domain.Provider
	credentials CredentialSource
	defaultKey  string
	model       string
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Orchestrator{
		provider:    cfg.Provider,
		credentials: cfg.Credentials,
		defaultKey:  cfg.DefaultKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      cfg.Logger.With("component", "orchestrator"),
	}
}

// Process runs one analysis task per non-empty modality, waits for all of
// them, then issues the synthesis call. A failed modality is recorded in
// Results and never aborts its siblings.
func (o *Orchestrator) Process(ctx context.Context, accountID string, bundle domain.Bundle, prefix string) Result {
	start := time.Now()
	apiKey := o.resolveKey(ctx, accountID)

	var present []domain.Modality
	for _, m := range domain.Modalities {
		if bundle.Has(m) {
			present = append(present, m)
		}
	}

	// One slot per task so goroutines never share a map.
	slots := make([]domain.ModalityResult, len(present))
	var g errgroup.Group
	for i, m := range present {
		g.Go(func() error {
			slots[i] = o.analyze(ctx, apiKey, m, &bundle)
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[domain.Modality]domain.ModalityResult, len(present))
	for i, m := range present {
		results[m] = slots[i]
	}

	prompt := SynthesisPrompt(prefix, bundle.Texts, present, results)
	resp, err := o.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: synthesisInstruction},
			{Role: "user", Content: prompt},
		},
		Model:       o.model,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
		APIKey:      apiKey,
	})
	if err != nil {
		o.logger.Warn("synthesis failed", "account_id", accountID, "error", err)
		return Result{Status: StatusError, Results: results, Error: domain.ErrMessage(err)}
	}

	o.logger.Info("bundle processed",
		"account_id", accountID,
		"modalities", len(present),
		"duration_ms", time.Since(start).Milliseconds(),
		"reply_len", len(resp.Content),
	)
	return Result{Status: StatusSuccess, Reply: resp.Content, Results: results}
}

func (o *Orchestrator) analyze(ctx context.Context, apiKey string, m domain.Modality, b *domain.Bundle) domain.ModalityResult {
	msg := domain.Message{Role: "user"}
	if m == domain.ModalityText {
		msg.Content = instructions[m] + "\n\n" + strings.Join(b.Texts, "\n")
	} else {
		msg.Content = instructions[m]
		if len(b.Texts) > 0 {
			msg.Content += "\nMensaje del usuario: " + strings.Join(b.Texts, "\n")
		}
		for _, ref := range b.Media(m) {
			msg.Attachments = append(msg.Attachments, domain.Attachment{Kind: m, Ref: ref})
		}
	}

	resp, err := o.provider.Chat(ctx, domain.ChatRequest{
		Messages:    []domain.Message{msg},
		Model:       o.model,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
		APIKey:      apiKey,
	})
	if err != nil {
		o.logger.Warn("modality analysis failed", "modality", m, "error", err)
		return domain.ModalityResult{Processed: false, Error: domain.ErrMessage(err)}
	}
	return domain.ModalityResult{Processed: true, Content: resp.Content}
}

// resolveKey prefers the account's own credential and falls back to the
// configured default. An empty result lets the provider use its own key.
func (o *Orchestrator) resolveKey(ctx context.Context, accountID string) string {
	if o.credentials == nil || accountID == "" {
		return o.defaultKey
	}
	rec, err := o.credentials.GetCredential(ctx, accountID)
	switch {
	case err == nil && rec.APIKey != "":
		return rec.APIKey
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		o.logger.Warn("credential lookup failed, using default key", "account_id", accountID, "error", err)
	}
	return o.defaultKey
}

// SynthesisPrompt assembles the final prompt: the context prefix, the
// literal user text, then one "modality: content" line per processed
// modality in the given order.
func SynthesisPrompt(prefix string, texts []string, order []domain.Modality, results map[domain.Modality]domain.ModalityResult) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteString("\n")
	}
	if len(texts) > 0 {
		b.WriteString(strings.Join(texts, "\n"))
		b.WriteString("\n")
	}
	for _, m := range order {
		r, ok := results[m]
		if !ok || !r.Processed {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m, r.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
