// Package session owns the live transport sessions of one channel and drives
// their lifecycle: create, verify, restore, reconnect, revoke and delete.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/kv"
	"chatbridge/internal/metrics"
	"chatbridge/internal/transport"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultInitTimeout      = 30 * time.Second
	DefaultReconnectTimeout = 30 * time.Second
)

// Store is the relational persistence the registry needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	SaveSession(ctx context.Context, rec domain.SessionRecord) error
	GetSession(ctx context.Context, ch domain.Channel, sessionID string) (*domain.SessionRecord, error)
	ListSessions(ctx context.Context, ch domain.Channel) ([]domain.SessionRecord, error)
	DeleteSession(ctx context.Context, ch domain.Channel, sessionID string) error
}

// InboundHandler receives every message of a live session. It runs on the
// session's dispatcher goroutine and must not block for long.
type InboundHandler func(ctx context.Context, h *Handle, msg domain.InboundMessage)

// Change describes a session state transition.
type Change struct {
	Channel   domain.Channel
	SessionID string
	AccountID string
	From      domain.SessionState
	To        domain.SessionState
	Challenge *transport.Challenge
	Reason    string
}

// Observer is told about every state transition.
type Observer interface {
	SessionChanged(ctx context.Context, c Change)
}

type Config struct {
	Channel            domain.Channel
	Factory            transport.Factory
	Store              Store
	KV                 kv.Store
	InitTimeout        time.Duration
	ReconnectTimeout   time.Duration
	RestoreConcurrency int
	Observers          []Observer
	Logger             *slog.Logger
}

type CreateRequest struct {
	SessionID string
	AccountID string
	Auth      transport.AuthParams
}

type CreateResult struct {
	SessionID            string               `json:"sessionId"`
	RequiresVerification bool                 `json:"requiresVerification"`
	Challenge            *transport.Challenge `json:"challenge,omitempty"`
}

type DeleteResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Info is a read-only view of a live session.
type Info struct {
	SessionID string              `json:"sessionId"`
	AccountID string              `json:"accountId"`
	Channel   domain.Channel      `json:"channel"`
	State     domain.SessionState `json:"state"`
	CreatedAt time.Time           `json:"createdAt"`
}

// Registry maps session ids to live handles for one channel.
type Registry struct {
	channel          domain.Channel
	factory          transport.Factory
	store            Store
	kv               kv.Store
	initTimeout      time.Duration
	reconnectTimeout time.Duration
	restoreLimit     int
	observers        []Observer
	logger           *slog.Logger

	// ctx bounds dispatcher goroutines; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Handle
	handler  InboundHandler
}

func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = DefaultReconnectTimeout
	}
	if cfg.RestoreConcurrency <= 0 {
		cfg.RestoreConcurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		channel:          cfg.Channel,
		factory:          cfg.Factory,
		store:            cfg.Store,
		kv:               cfg.KV,
		initTimeout:      cfg.InitTimeout,
		reconnectTimeout: cfg.ReconnectTimeout,
		restoreLimit:     cfg.RestoreConcurrency,
		observers:        cfg.Observers,
		logger:           cfg.Logger.With("component", "session", "channel", cfg.Channel),
		ctx:              ctx,
		cancel:           cancel,
		sessions:         make(map[string]*Handle),
	}
}

func (r *Registry) Channel() domain.Channel { return r.channel }

// SetHandler installs the inbound message handler. Call before Create or
// Restore.
func (r *Registry) SetHandler(h InboundHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// reserve inserts a placeholder for id. Every later step runs outside the
// lock, so a concurrent Create for the same id sees the placeholder.
func (r *Registry) reserve(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, domain.NewError(domain.ErrConflict, "create session",
			fmt.Sprintf("session %s already exists", id), nil)
	}
	h := &Handle{SessionID: id, Channel: r.channel, state: domain.StateUninitialized, placeholder: true}
	r.sessions[id] = h
	return h, nil
}

// release removes h only if it is still the registered entry for its id.
func (r *Registry) release(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[h.SessionID] == h {
		delete(r.sessions, h.SessionID)
		return true
	}
	return false
}

func (r *Registry) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.SessionID == "" || req.AccountID == "" {
		return nil, domain.NewError(domain.ErrValidation, "create session", "sessionId and accountId are required", nil)
	}
	if err := transport.ValidateAuth(r.channel, req.Auth); err != nil {
		return nil, err
	}

	h, err := r.reserve(req.SessionID)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			r.release(h)
		}
	}()

	// initTimeout bounds initialization as a whole, lookups and persistence
	// included.
	ctx, cancel := context.WithTimeout(ctx, r.initTimeout)
	defer cancel()

	if _, err := r.store.GetAccount(ctx, req.AccountID); err != nil {
		return nil, r.initErr(ctx, err)
	}
	// An inert row left by a failed restore can be re-authenticated, but
	// never rebound to another account.
	prev, err := r.store.GetSession(ctx, r.channel, req.SessionID)
	switch {
	case err == nil && prev.AccountID != req.AccountID:
		return nil, domain.NewError(domain.ErrConflict, "create session",
			fmt.Sprintf("session %s belongs to another account", req.SessionID), nil)
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, r.initErr(ctx, err)
	}

	client, err := r.factory.NewClient(req.SessionID, req.Auth)
	if err != nil {
		return nil, err
	}

	res, err := r.connect(ctx, client, r.initTimeout, "create session")
	if err != nil {
		client.Close()
		return nil, err
	}

	state := domain.StatePendingVerification
	if res.Authenticated {
		state = domain.StateAuthenticated
	}
	rec := domain.SessionRecord{
		SessionID:   req.SessionID,
		Channel:     r.channel,
		AccountID:   req.AccountID,
		Credential:  client.Credential(),
		AuthMethod:  req.Auth.Method,
		PhoneNumber: req.Auth.PhoneNumber,
		APIID:       req.Auth.APIID,
		APIHash:     req.Auth.APIHash,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.persist(ctx, rec); err != nil {
		client.Close()
		return nil, r.initErr(ctx, err)
	}

	r.activate(h, rec, client, state)
	ok = true
	r.logger.Info("session created", "session_id", req.SessionID, "account_id", req.AccountID, "state", state)
	r.emit(Change{
		Channel: r.channel, SessionID: req.SessionID, AccountID: req.AccountID,
		From: domain.StateUninitialized, To: state, Challenge: res.Challenge,
	})

	return &CreateResult{
		SessionID:            req.SessionID,
		RequiresVerification: !res.Authenticated,
		Challenge:            res.Challenge,
	}, nil
}

// connect runs client.Connect under timeout and maps a deadline to
// ErrTimeout.
func (r *Registry) connect(ctx context.Context, client transport.Client, timeout time.Duration, op string) (*transport.ConnectResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := client.Connect(cctx)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewError(domain.ErrTimeout, op,
				fmt.Sprintf("session initialization exceeded %s", timeout), err)
		}
		return nil, err
	}
	return res, nil
}

// initErr reports err as a timeout when the init deadline caused it.
func (r *Registry) initErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewError(domain.ErrTimeout, "create session",
			fmt.Sprintf("session initialization exceeded %s", r.initTimeout), err)
	}
	return err
}

func (r *Registry) persist(ctx context.Context, rec domain.SessionRecord) error {
	if err := r.store.SaveSession(ctx, rec); err != nil {
		return err
	}
	if err := r.kv.Set(ctx, kv.SessionAccountKey(r.channel, rec.SessionID), rec.AccountID, 0); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	return nil
}

// activate turns a placeholder into a live handle and starts its dispatcher.
func (r *Registry) activate(h *Handle, rec domain.SessionRecord, client transport.Client, state domain.SessionState) {
	h.mu.Lock()
	h.record = rec
	h.state = state
	h.mu.Unlock()

	r.mu.Lock()
	h.AccountID = rec.AccountID
	h.CreatedAt = rec.CreatedAt
	h.client = client
	h.done = make(chan struct{})
	h.placeholder = false
	r.mu.Unlock()

	if state == domain.StateAuthenticated {
		metrics.ActiveSessions(string(r.channel)).Inc()
	}
	go r.dispatch(h)
}

func (r *Registry) Verify(ctx context.Context, sessionID, code string) error {
	h, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	if s := h.State(); s != domain.StatePendingVerification {
		return domain.NewError(domain.ErrValidation, "verify session",
			fmt.Sprintf("session %s is %s, not awaiting verification", sessionID, s), nil)
	}
	if err := h.client.Verify(ctx, code); err != nil {
		r.logger.Warn("verification failed", "session_id", sessionID, "error", err)
		return err
	}

	if !h.transition(domain.StatePendingVerification, domain.StateAuthenticated) {
		return domain.NewError(domain.ErrConflict, "verify session", "session changed state during verification", nil)
	}
	metrics.ActiveSessions(string(r.channel)).Inc()

	rec := h.Record()
	rec.Credential = h.client.Credential()
	if err := r.store.SaveSession(ctx, rec); err != nil {
		r.logger.Error("failed to persist verified credential", "session_id", sessionID, "error", err)
	} else {
		h.setRecord(rec)
	}

	r.logger.Info("session verified", "session_id", sessionID)
	r.emit(Change{
		Channel: r.channel, SessionID: sessionID, AccountID: h.AccountID,
		From: domain.StatePendingVerification, To: domain.StateAuthenticated,
	})
	return nil
}

// Get returns a live handle. Reserved ids and sessions that did not come
// back on restore are not found.
func (r *Registry) Get(sessionID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[sessionID]
	if !ok || h.placeholder {
		return nil, domain.NewError(domain.ErrNotFound, "get session",
			fmt.Sprintf("session %s not found", sessionID), nil)
	}
	return h, nil
}

func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for _, h := range r.sessions {
		if h.placeholder {
			continue
		}
		out = append(out, Info{
			SessionID: h.SessionID,
			AccountID: h.AccountID,
			Channel:   r.channel,
			State:     h.State(),
			CreatedAt: h.CreatedAt,
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Delete tears a session down completely. It never fails; problems are
// reported in the result or logged.
func (r *Registry) Delete(ctx context.Context, sessionID string) DeleteResult {
	h, err := r.Get(sessionID)
	if err != nil || !r.release(h) {
		return DeleteResult{Success: false, Error: fmt.Sprintf("session %s not found", sessionID)}
	}
	from := h.setState(domain.StateClosed)
	if from == domain.StateAuthenticated {
		metrics.ActiveSessions(string(r.channel)).Dec()
	}

	if err := h.client.Logout(ctx); err != nil {
		r.logger.Warn("logout failed, continuing delete", "session_id", sessionID, "error", err)
	}
	h.client.Close()
	h.wait()

	if err := r.store.DeleteSession(ctx, r.channel, sessionID); err != nil {
		r.logger.Error("failed to delete session row", "session_id", sessionID, "error", err)
	}
	r.dropIndex(ctx, sessionID)
	r.clearHistories(ctx, h)

	r.logger.Info("session deleted", "session_id", sessionID)
	r.emit(Change{
		Channel: r.channel, SessionID: sessionID, AccountID: h.AccountID,
		From: from, To: domain.StateClosed, Reason: "deleted",
	})
	return DeleteResult{Success: true}
}

func (r *Registry) dropIndex(ctx context.Context, sessionID string) {
	if err := r.kv.Delete(ctx, kv.SessionAccountKey(r.channel, sessionID)); err != nil {
		r.logger.Warn("failed to delete session index", "session_id", sessionID, "error", err)
	}
}

// clearHistories removes the history of every chat the session has seen.
func (r *Registry) clearHistories(ctx context.Context, h *Handle) {
	chatsKey := kv.SessionChatsKey(r.channel, h.SessionID)
	chats, err := r.kv.SetMembers(ctx, chatsKey)
	if err != nil {
		r.logger.Warn("failed to list session chats", "session_id", h.SessionID, "error", err)
		return
	}
	keys := make([]string, 0, len(chats)+1)
	for _, chat := range chats {
		keys = append(keys, kv.HistoryKey(domain.ConversationKey{AccountID: h.AccountID, ChatID: chat, Channel: r.channel}))
	}
	keys = append(keys, chatsKey)
	if err := r.kv.Delete(ctx, keys...); err != nil {
		r.logger.Warn("failed to clear session history", "session_id", h.SessionID, "error", err)
	}
}

// Restore reconnects every persisted session of the channel with its stored
// credentials. Sessions that do not come back authenticated stay on disk
// but are not registered. It returns how many sessions are live.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	rows, err := r.store.ListSessions(ctx, r.channel)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		restored int
	)
	g.SetLimit(r.restoreLimit)
	for _, rec := range rows {
		g.Go(func() error {
			if r.restoreOne(ctx, rec) {
				mu.Lock()
				restored++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("sessions restored", "restored", restored, "persisted", len(rows))
	return restored, nil
}

func (r *Registry) restoreOne(ctx context.Context, rec domain.SessionRecord) bool {
	log := r.logger.With("session_id", rec.SessionID, "account_id", rec.AccountID)

	h, err := r.reserve(rec.SessionID)
	if err != nil {
		log.Debug("session already live, skipping restore")
		return false
	}
	client, err := r.factory.NewClient(rec.SessionID, authFromRecord(rec))
	if err != nil {
		r.release(h)
		log.Warn("cannot restore session", "error", err)
		return false
	}

	res, err := r.connect(ctx, client, r.initTimeout, "restore session")
	if err != nil || !res.Authenticated {
		client.Close()
		r.release(h)
		if err == nil {
			err = errors.New("stored credentials no longer authenticate")
		}
		log.Warn("session not restored", "error", err)
		return false
	}

	if cred := client.Credential(); cred != rec.Credential {
		rec.Credential = cred
		if err := r.store.SaveSession(ctx, rec); err != nil {
			log.Warn("failed to persist refreshed credential", "error", err)
		}
	}
	if err := r.kv.Set(ctx, kv.SessionAccountKey(r.channel, rec.SessionID), rec.AccountID, 0); err != nil {
		log.Warn("failed to write session index", "error", err)
	}

	r.activate(h, rec, client, domain.StateAuthenticated)
	r.emit(Change{
		Channel: r.channel, SessionID: rec.SessionID, AccountID: rec.AccountID,
		From: domain.StateUninitialized, To: domain.StateAuthenticated, Reason: "restored",
	})
	return true
}

func authFromRecord(rec domain.SessionRecord) transport.AuthParams {
	return transport.AuthParams{
		Method:      rec.AuthMethod,
		PhoneNumber: rec.PhoneNumber,
		APIID:       rec.APIID,
		APIHash:     rec.APIHash,
		Credential:  rec.Credential,
	}
}

// Shutdown closes every live transport client without logging out or
// deleting anything, so Restore can bring the sessions back.
func (r *Registry) Shutdown() {
	r.cancel()
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.sessions))
	for id, h := range r.sessions {
		if h.placeholder {
			continue
		}
		handles = append(handles, h)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, h := range handles {
		if h.setState(domain.StateClosed) == domain.StateAuthenticated {
			metrics.ActiveSessions(string(r.channel)).Dec()
		}
		h.client.Close()
		h.wait()
	}
	r.logger.Info("session registry stopped", "closed", len(handles))
}

func (r *Registry) emit(c Change) {
	for _, o := range r.observers {
		o.SessionChanged(r.ctx, c)
	}
}
