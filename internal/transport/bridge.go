package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatbridge/internal/bus"
	"chatbridge/internal/domain"

	"github.com/gorilla/websocket"
)

// BridgeConfig configures a client for a bridge sidecar that speaks the
// channel's wire protocol on our behalf.
type BridgeConfig struct {
	Channel     domain.Channel
	BaseURL     string
	Token       string
	EventBuffer int
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// BridgeFactory creates Bridge clients for one channel.
type BridgeFactory struct {
	cfg BridgeConfig
}

func NewBridgeFactory(cfg BridgeConfig) *BridgeFactory {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &BridgeFactory{cfg: cfg}
}

func (f *BridgeFactory) NewClient(sessionID string, auth AuthParams) (Client, error) {
	if err := ValidateAuth(f.cfg.Channel, auth); err != nil {
		return nil, err
	}
	return newBridge(f.cfg, sessionID, auth), nil
}

// Bridge is a Client backed by the bridge HTTP API and its event websocket.
type Bridge struct {
	channel   domain.Channel
	sessionID string
	auth      AuthParams
	baseURL   string
	token     string
	client    *http.Client
	dialer    *websocket.Dialer
	events    *bus.Queue[Event]
	logger    *slog.Logger

	mu         sync.Mutex
	credential string
	reader     *eventReader
	closed     bool
	wg         sync.WaitGroup
}

// eventReader owns one websocket connection. stopped marks a deliberate
// close so the read loop does not report a disconnect.
type eventReader struct {
	conn    *websocket.Conn
	stopped atomic.Bool
}

func (r *eventReader) stop() {
	r.stopped.Store(true)
	r.conn.Close()
}

func newBridge(cfg BridgeConfig, sessionID string, auth AuthParams) *Bridge {
	logger := cfg.Logger.With("component", "transport", "channel", cfg.Channel, "session_id", sessionID)
	return &Bridge{
		channel:    cfg.Channel,
		sessionID:  sessionID,
		auth:       auth,
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		client:     cfg.HTTPClient,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events:     bus.New[Event](cfg.EventBuffer, logger),
		logger:     logger,
		credential: auth.Credential,
	}
}

type wireAuth struct {
	Method      domain.AuthMethod `json:"method,omitempty"`
	PhoneNumber string            `json:"phoneNumber,omitempty"`
	APIID       string            `json:"apiId,omitempty"`
	APIHash     string            `json:"apiHash,omitempty"`
	Credential  string            `json:"credential,omitempty"`
}

type connectRequest struct {
	SessionID string   `json:"sessionId"`
	Auth      wireAuth `json:"auth"`
}

type connectResponse struct {
	Status     string     `json:"status"`
	Challenge  *Challenge `json:"challenge,omitempty"`
	Credential string     `json:"credential,omitempty"`
}

type wireMedia struct {
	Kind domain.Modality `json:"kind"`
	domain.MediaRef
}

type wireMessage struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chatId"`
	SenderID  string     `json:"senderId,omitempty"`
	IsGroup   bool       `json:"isGroup"`
	FromMe    bool       `json:"fromMe,omitempty"`
	Text      string     `json:"text,omitempty"`
	Media     *wireMedia `json:"media,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
}

type wireEvent struct {
	Type    EventType    `json:"type"`
	Message *wireMessage `json:"message,omitempty"`
}

// StatusError is a non-2xx bridge response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge returned %d: %s", e.Code, e.Body)
}

func (b *Bridge) Connect(ctx context.Context) (*ConnectResult, error) {
	b.mu.Lock()
	cred := b.credential
	b.mu.Unlock()

	req := connectRequest{
		SessionID: b.sessionID,
		Auth: wireAuth{
			Method:      b.auth.Method,
			PhoneNumber: b.auth.PhoneNumber,
			APIID:       b.auth.APIID,
			APIHash:     b.auth.APIHash,
			Credential:  cred,
		},
	}
	var resp connectResponse
	if err := b.do(ctx, http.MethodPost, "/sessions", req, &resp); err != nil {
		return nil, domain.NewError(domain.ErrExternal, "connect", "bridge connect failed", err)
	}
	b.setCredential(resp.Credential)

	switch resp.Status {
	case "authenticated":
		if err := b.startEvents(ctx); err != nil {
			return nil, err
		}
		b.logger.Info("session authenticated")
		return &ConnectResult{Authenticated: true}, nil
	case "pending":
		if resp.Challenge == nil {
			return nil, domain.NewError(domain.ErrExternal, "connect", "bridge returned pending without a challenge", nil)
		}
		b.logger.Info("session awaiting verification", "challenge", resp.Challenge.Kind)
		return &ConnectResult{Challenge: resp.Challenge}, nil
	}
	return nil, domain.NewError(domain.ErrExternal, "connect", "unexpected bridge status "+resp.Status, nil)
}

func (b *Bridge) Verify(ctx context.Context, code string) error {
	var resp struct {
		Credential string `json:"credential"`
	}
	err := b.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(b.sessionID)+"/verify",
		map[string]string{"code": code}, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusBadRequest) {
			return domain.NewError(domain.ErrVerificationFailed, "verify", "verification code rejected", err)
		}
		return domain.NewError(domain.ErrExternal, "verify", "bridge verify failed", err)
	}
	b.setCredential(resp.Credential)
	return b.startEvents(ctx)
}

func (b *Bridge) Send(ctx context.Context, chatID, text string) (string, error) {
	var resp struct {
		MessageID string `json:"messageId"`
	}
	err := b.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(b.sessionID)+"/messages",
		map[string]string{"chatId": chatID, "text": text}, &resp)
	if err != nil {
		return "", domain.NewError(domain.ErrExternal, "send", "bridge send failed", err)
	}
	return resp.MessageID, nil
}

func (b *Bridge) Typing(ctx context.Context, chatID string) error {
	err := b.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(b.sessionID)+"/typing",
		map[string]string{"chatId": chatID}, nil)
	if err != nil {
		return domain.NewError(domain.ErrExternal, "typing", "bridge typing failed", err)
	}
	return nil
}

func (b *Bridge) Logout(ctx context.Context) error {
	err := b.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(b.sessionID), nil, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil
		}
		return domain.NewError(domain.ErrExternal, "logout", "bridge logout failed", err)
	}
	return nil
}

func (b *Bridge) Events() <-chan Event { return b.events.C() }

func (b *Bridge) Credential() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credential
}

// Close stops the event reader and closes the event channel. It is safe to
// call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.reader != nil {
		b.reader.stop()
		b.reader = nil
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.events.Close()
	return nil
}

func (b *Bridge) setCredential(c string) {
	if c == "" {
		return
	}
	b.mu.Lock()
	b.credential = c
	b.mu.Unlock()
}

// startEvents opens the event websocket, replacing any previous one.
func (b *Bridge) startEvents(ctx context.Context) error {
	wsURL, err := b.eventsURL()
	if err != nil {
		return domain.NewError(domain.ErrExternal, "events", "invalid bridge url", err)
	}
	header := http.Header{}
	if b.token != "" {
		header.Set("Authorization", "Bearer "+b.token)
	}
	conn, resp, err := b.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return domain.NewError(domain.ErrExternal, "events", "cannot open event stream", err)
	}

	r := &eventReader{conn: conn}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return domain.NewError(domain.ErrExternal, "events", "client closed", nil)
	}
	if b.reader != nil {
		b.reader.stop()
	}
	b.reader = r
	b.wg.Add(1)
	b.mu.Unlock()

	go b.readLoop(r)
	return nil
}

func (b *Bridge) readLoop(r *eventReader) {
	defer b.wg.Done()
	for {
		var ev wireEvent
		if err := r.conn.ReadJSON(&ev); err != nil {
			if r.stopped.Load() {
				return
			}
			b.logger.Warn("event stream dropped", "err", err)
			b.events.Publish(Event{Type: EventDisconnected})
			return
		}

		switch ev.Type {
		case EventMessage:
			if ev.Message == nil {
				continue
			}
			msg := ev.Message.toDomain()
			b.events.Publish(Event{Type: EventMessage, Message: &msg})
		case EventDisconnected, EventRevoked:
			r.stopped.Store(true)
			r.conn.Close()
			b.events.Publish(Event{Type: ev.Type})
			return
		default:
			b.logger.Debug("ignoring bridge event", "type", ev.Type)
		}
	}
}

func (m *wireMessage) toDomain() domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:       m.ID,
		ChatID:   m.ChatID,
		SenderID: m.SenderID,
		IsGroup:  m.IsGroup,
		FromMe:   m.FromMe,
		Text:     m.Text,
	}
	if m.Timestamp > 0 {
		msg.Timestamp = time.Unix(m.Timestamp, 0)
	} else {
		msg.Timestamp = time.Now()
	}
	if m.Media != nil {
		ref := m.Media.MediaRef
		msg.MediaKind = m.Media.Kind
		msg.Media = &ref
	}
	return msg
}

func (b *Bridge) eventsURL() (string, error) {
	u, err := url.Parse(b.baseURL + "/sessions/" + url.PathEscape(b.sessionID) + "/events")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (b *Bridge) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode bridge response: %w", err)
	}
	return nil
}
