// Package channel connects one transport's sessions to the aggregation,
// context and orchestration pipeline and sends replies back.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"chatbridge/internal/aggregator"
	"chatbridge/internal/domain"
	"chatbridge/internal/events"
	"chatbridge/internal/format"
	"chatbridge/internal/history"
	"chatbridge/internal/kv"
	"chatbridge/internal/metrics"
	"chatbridge/internal/orchestrator"
	"chatbridge/internal/session"

	"github.com/google/uuid"
)

// Sessions is the part of the session registry the adapter uses.
type Sessions interface {
	SetHandler(h session.InboundHandler)
	Get(sessionID string) (*session.Handle, error)
}

// Processor turns a bundle into a reply.
type Processor interface {
	Process(ctx context.Context, accountID string, bundle domain.Bundle, prefix string) orchestrator.Result
}

type Config struct {
	Channel       domain.Channel
	Sessions      Sessions
	History       *history.Store
	Processor     Processor
	KV            kv.Store
	Events        events.Sink // optional
	Window        time.Duration
	ContextLimit  int
	IncludeGroups bool
	PlainReplies  bool
	Typing        bool
	ReplyDelayMin time.Duration
	ReplyDelayMax time.Duration
	Logger        *slog.Logger
}

// Adapter is the per-channel glue between transport events and replies.
type Adapter struct {
	channel       domain.Channel
	sessions      Sessions
	history       *history.Store
	processor     Processor
	kv            kv.Store
	events        events.Sink
	agg           *aggregator.Aggregator
	contextLimit  int
	includeGroups bool
	plainReplies  bool
	typing        bool
	delayMin      time.Duration
	delayMax      time.Duration
	logger        *slog.Logger

	cancel context.CancelFunc
}

// New builds the adapter and installs it as the registry's inbound handler.
func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.ReplyDelayMax < cfg.ReplyDelayMin {
		cfg.ReplyDelayMax = cfg.ReplyDelayMin
	}
	logger := cfg.Logger.With("component", "channel", "channel", cfg.Channel)
	ctx, cancel := context.WithCancel(context.Background())

	a := &Adapter{
		channel:       cfg.Channel,
		sessions:      cfg.Sessions,
		history:       cfg.History,
		processor:     cfg.Processor,
		kv:            cfg.KV,
		events:        cfg.Events,
		contextLimit:  cfg.ContextLimit,
		includeGroups: cfg.IncludeGroups,
		plainReplies:  cfg.PlainReplies,
		typing:        cfg.Typing,
		delayMin:      cfg.ReplyDelayMin,
		delayMax:      cfg.ReplyDelayMax,
		logger:        logger,
		cancel:        cancel,
	}
	a.agg = aggregator.New(aggregator.Config{
		Window:  cfg.Window,
		OnFlush: a.flush,
		Logger:  cfg.Logger,
		Context: ctx,
	})
	cfg.Sessions.SetHandler(a.HandleInbound)
	return a
}

// Fragments splits an inbound message into aggregation fragments. A media
// caption becomes its own text fragment after the media.
func Fragments(sessionID string, key domain.ConversationKey, msg domain.InboundMessage) []domain.Fragment {
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	frag := func(c domain.Content) domain.Fragment {
		return domain.Fragment{SessionID: sessionID, Key: key, Content: c, ReceivedAt: at}
	}

	var out []domain.Fragment
	if t := strings.TrimSpace(msg.Text); t != "" {
		out = append(out, frag(domain.TextContent{Body: t}))
	}
	if msg.Media != nil && msg.MediaKind != "" && msg.MediaKind != domain.ModalityText {
		out = append(out, frag(domain.MediaContent{Kind: msg.MediaKind, Ref: *msg.Media}))
		if c := strings.TrimSpace(msg.Media.Caption); c != "" && c != strings.TrimSpace(msg.Text) {
			out = append(out, frag(domain.TextContent{Body: c}))
		}
	}
	return out
}

// HandleInbound is the registry's inbound handler.
func (a *Adapter) HandleInbound(_ context.Context, h *session.Handle, msg domain.InboundMessage) {
	a.Accept(h, msg)
}

// Accept feeds one transport message into the aggregator. It returns the
// pending flush, or nil when the message is ignored.
func (a *Adapter) Accept(h *session.Handle, msg domain.InboundMessage) *aggregator.Pending {
	if msg.FromMe || msg.ChatID == "" {
		return nil
	}
	if msg.IsGroup && !a.includeGroups {
		a.logger.Debug("ignoring group message", "session_id", h.SessionID, "chat_id", msg.ChatID)
		return nil
	}

	key := domain.ConversationKey{AccountID: h.AccountID, ChatID: msg.ChatID, Channel: a.channel}
	frags := Fragments(h.SessionID, key, msg)
	if len(frags) == 0 {
		return nil
	}
	var p *aggregator.Pending
	for _, f := range frags {
		p = a.agg.Accept(key, f)
	}
	metrics.FragmentsTotal(string(a.channel)).Add(int64(len(frags)))
	return p
}

func (a *Adapter) flush(ctx context.Context, b domain.Bundle) {
	start := time.Now()
	ch := string(a.channel)
	metrics.BundlesTotal(ch).Inc()
	corr := uuid.NewString()
	log := a.logger.With("session_id", b.SessionID, "chat_id", b.Key.ChatID, "correlation_id", corr)

	h, err := a.sessions.Get(b.SessionID)
	if err != nil {
		log.Warn("session gone before flush, dropping bundle", "error", err)
		return
	}

	entries, err := a.history.LoadContext(ctx, b.Key, a.contextLimit)
	if err != nil {
		log.Warn("failed to load conversation context", "error", err)
	}
	prefix := history.RenderPrefix(entries)

	a.publish(ctx, events.TypeBundleFlushed, corr, events.BundleFlushed{
		Key: b.Key, SessionID: b.SessionID, Counts: events.BundleCounts(b),
	})

	res := a.processor.Process(ctx, h.AccountID, b, prefix)
	metrics.ProcessLatency(ch).ObserveSince(start)
	if !res.Succeeded() {
		log.Error("bundle processing failed", "error", res.Error)
		metrics.RepliesTotal(ch, orchestrator.StatusError).Inc()
		a.publish(ctx, events.TypeReplySent, corr, events.ReplySent{
			Key: b.Key, SessionID: b.SessionID, Status: res.Status, Error: res.Error,
		})
		return
	}

	entry := domain.HistoryEntry{
		PriorContext:    priorContext(res.Results),
		UserMessages:    b.Texts,
		ModalityResults: res.Results,
		AssistantReply:  res.Reply,
		Timestamp:       time.Now().UTC(),
	}
	if err := a.history.Append(ctx, b.Key, entry); err != nil {
		log.Error("failed to store history entry", "error", err)
	}
	if err := a.kv.SetAdd(ctx, kv.SessionChatsKey(a.channel, b.SessionID), b.Key.ChatID); err != nil {
		log.Warn("failed to index chat for session", "error", err)
	}

	reply := res.Reply
	if a.plainReplies {
		reply = format.PlainText(reply)
	}
	if err := a.humanize(ctx, h, b.Key.ChatID); err != nil {
		log.Info("reply cancelled", "error", err)
		return
	}

	msgID, err := h.Send(ctx, b.Key.ChatID, reply)
	if err != nil {
		log.Error("failed to send reply", "error", err)
		metrics.RepliesTotal(ch, "send_failed").Inc()
		a.publish(ctx, events.TypeReplySent, corr, events.ReplySent{
			Key: b.Key, SessionID: b.SessionID, Status: "send_failed", Error: domain.ErrMessage(err),
		})
		return
	}

	metrics.RepliesTotal(ch, orchestrator.StatusSuccess).Inc()
	log.Info("reply sent", "message_id", msgID, "duration_ms", time.Since(start).Milliseconds())
	a.publish(ctx, events.TypeReplySent, corr, events.ReplySent{
		Key: b.Key, SessionID: b.SessionID, MessageID: msgID, Status: orchestrator.StatusSuccess,
	})
}

// humanize shows the typing indicator and waits a random delay in
// [delayMin, delayMax] before a reply goes out.
func (a *Adapter) humanize(ctx context.Context, h *session.Handle, chatID string) error {
	if a.typing {
		if err := h.Typing(ctx, chatID); err != nil {
			a.logger.Debug("typing indicator failed", "error", err)
		}
	}
	d := a.delayMin
	if span := a.delayMax - a.delayMin; span > 0 {
		d += rand.N(span + 1)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (a *Adapter) publish(ctx context.Context, eventType, corr string, data any) {
	if err := a.events.Publish(ctx, eventType, corr, data); err != nil {
		a.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}

// priorContext carries the analysis of non-text content into later turns.
func priorContext(results map[domain.Modality]domain.ModalityResult) string {
	var lines []string
	for _, m := range domain.Modalities {
		r, ok := results[m]
		if m == domain.ModalityText || !ok || !r.Processed {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m, r.Content))
	}
	return strings.Join(lines, "\n")
}

// Pending reports how many conversations are inside a quiet period.
func (a *Adapter) Pending() int { return a.agg.Open() }

// Close stops accepting fragments, cancels in-flight replies and waits for
// running flushes to return.
func (a *Adapter) Close() {
	a.cancel()
	a.agg.Close()
}
