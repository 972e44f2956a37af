package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
	"chatbridge/internal/transport"
)

// Handle is a live session. AccountID never changes once the handle is
// registered.
type Handle struct {
	SessionID string
	AccountID string
	Channel   domain.Channel
	CreatedAt time.Time

	client      transport.Client
	placeholder bool
	done        chan struct{}

	mu     sync.Mutex
	state  domain.SessionState
	record domain.SessionRecord
}

func (h *Handle) State() domain.SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Record returns a copy of the persisted record.
func (h *Handle) Record() domain.SessionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

func (h *Handle) setRecord(rec domain.SessionRecord) {
	h.mu.Lock()
	h.record = rec
	h.mu.Unlock()
}

// setState stores s and returns the previous state.
func (h *Handle) setState(s domain.SessionState) domain.SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.state
	h.state = s
	return prev
}

func (h *Handle) transition(from, to domain.SessionState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return false
	}
	h.state = to
	return true
}

func (h *Handle) requireAuthenticated(op string) error {
	if s := h.State(); s != domain.StateAuthenticated {
		return domain.NewError(domain.ErrValidation, op,
			fmt.Sprintf("session %s is %s", h.SessionID, s), nil)
	}
	return nil
}

// Send delivers text to chatID and returns the transport's message id.
func (h *Handle) Send(ctx context.Context, chatID, text string) (string, error) {
	if err := h.requireAuthenticated("send message"); err != nil {
		return "", err
	}
	return h.client.Send(ctx, chatID, text)
}

// Typing shows a typing indicator in chatID.
func (h *Handle) Typing(ctx context.Context, chatID string) error {
	if err := h.requireAuthenticated("typing"); err != nil {
		return err
	}
	return h.client.Typing(ctx, chatID)
}

// wait blocks until the dispatcher has exited.
func (h *Handle) wait() {
	if h.done != nil {
		<-h.done
	}
}

// dispatch consumes the session's transport events until the client is
// closed.
func (r *Registry) dispatch(h *Handle) {
	defer close(h.done)
	log := r.logger.With("session_id", h.SessionID)

	for ev := range h.client.Events() {
		switch ev.Type {
		case transport.EventMessage:
			r.mu.Lock()
			handler := r.handler
			r.mu.Unlock()
			if handler == nil || ev.Message == nil || h.State() != domain.StateAuthenticated {
				continue
			}
			handler(r.ctx, h, *ev.Message)

		case transport.EventDisconnected:
			r.reconnect(h)

		case transport.EventRevoked:
			log.Warn("session revoked by transport")
			r.revoke(h)

		default:
			log.Debug("unknown transport event", "type", ev.Type)
		}
	}
}

// reconnect makes exactly one attempt to bring a dropped authenticated
// session back. On failure the session is closed but its row is kept.
func (r *Registry) reconnect(h *Handle) {
	if h.State() != domain.StateAuthenticated {
		return
	}
	log := r.logger.With("session_id", h.SessionID)
	log.Warn("transport disconnected, reconnecting")

	res, err := r.connect(r.ctx, h.client, r.reconnectTimeout, "reconnect session")
	if err == nil && res.Authenticated {
		log.Info("session reconnected")
		if cred := h.client.Credential(); cred != h.Record().Credential {
			rec := h.Record()
			rec.Credential = cred
			if err := r.store.SaveSession(r.ctx, rec); err != nil {
				log.Warn("failed to persist refreshed credential", "error", err)
			} else {
				h.setRecord(rec)
			}
		}
		return
	}
	if err == nil {
		err = fmt.Errorf("transport requires re-verification")
	}
	log.Error("reconnect failed, closing session", "error", err)

	if !r.release(h) {
		return
	}
	if h.setState(domain.StateClosed) == domain.StateAuthenticated {
		metrics.ActiveSessions(string(r.channel)).Dec()
	}
	h.client.Close()
	r.emit(Change{
		Channel: r.channel, SessionID: h.SessionID, AccountID: h.AccountID,
		From: domain.StateAuthenticated, To: domain.StateClosed, Reason: "reconnect failed",
	})
}

// revoke closes a session whose credentials the transport no longer
// accepts and forgets it entirely.
func (r *Registry) revoke(h *Handle) {
	if !r.release(h) {
		return
	}
	from := h.setState(domain.StateClosed)
	if from == domain.StateAuthenticated {
		metrics.ActiveSessions(string(r.channel)).Dec()
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.reconnectTimeout)
	defer cancel()
	if err := h.client.Logout(ctx); err != nil {
		r.logger.Debug("logout after revoke failed", "session_id", h.SessionID, "error", err)
	}
	h.client.Close()

	if err := r.store.DeleteSession(ctx, r.channel, h.SessionID); err != nil {
		r.logger.Error("failed to delete revoked session", "session_id", h.SessionID, "error", err)
	}
	r.dropIndex(ctx, h.SessionID)
	r.emit(Change{
		Channel: r.channel, SessionID: h.SessionID, AccountID: h.AccountID,
		From: from, To: domain.StateClosed, Reason: "revoked",
	})
}
