package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/kv"
	"chatbridge/internal/orchestrator"
	"chatbridge/internal/session"
	"chatbridge/internal/store"
	"chatbridge/internal/transport"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu      sync.Mutex
	pending bool
	sent    []string
	events  chan transport.Event
	closed  bool
}

func (c *fakeClient) Connect(context.Context) (*transport.ConnectResult, error) {
	if c.pending {
		return &transport.ConnectResult{Challenge: &transport.Challenge{Kind: transport.ChallengeQR, Value: "qr-data"}}, nil
	}
	return &transport.ConnectResult{Authenticated: true}, nil
}

func (c *fakeClient) Verify(_ context.Context, code string) error {
	if code != "123" {
		return domain.NewError(domain.ErrVerificationFailed, "verify", "bad code", nil)
	}
	return nil
}

func (c *fakeClient) Send(_ context.Context, chatID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, chatID+"|"+text)
	return "m-1", nil
}

func (c *fakeClient) Typing(context.Context, string) error { return nil }
func (c *fakeClient) Events() <-chan transport.Event { return c.events }
func (c *fakeClient) Credential() string { return "cred" }
func (c *fakeClient) Logout(context.Context) error { return nil }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// fakeFactory hands out pending clients for ids starting with "pending".
type fakeFactory struct{}

func (fakeFactory) NewClient(id string, _ transport.AuthParams) (transport.Client, error) {
	return &fakeClient{pending: strings.HasPrefix(id, "pending"), events: make(chan transport.Event, 4)}, nil
}

type fakeProcessor struct{ result orchestrator.Result }

func (p fakeProcessor) Process(context.Context, string, domain.Bundle, string) orchestrator.Result {
	return p.result
}

type fixture struct {
	srv   *httptest.Server
	store *store.SQLiteStore
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.CreateAccount(context.Background(), domain.Account{ID: "acc-1"}))

	mr := miniredis.RunT(t)
	kvs := kv.NewRedis(kv.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { kvs.Close() })

	reg := session.New(session.Config{
		Channel: domain.ChannelWhatsApp,
		Factory: fakeFactory{},
		Store:   st,
		KV:      kvs,
	})
	t.Cleanup(reg.Shutdown)

	cfg := Config{
		Sessions:  map[domain.Channel]*session.Registry{domain.ChannelWhatsApp: reg},
		Accounts:  st,
		Processor: fakeProcessor{orchestrator.Result{Status: orchestrator.StatusSuccess, Reply: "hola"}},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st}
}

func (fx *fixture) do(t *testing.T, method, path, body string, header ...string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, fx.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestSessionLifecycle(t *testing.T) {
	fx := newFixture(t)

	code, body := fx.do(t, "POST", "/api/whatsapp/sessions", `{"sessionId":"s1","accountId":"acc-1","authMethod":"qr"}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["requiresVerification"])

	code, body = fx.do(t, "GET", "/api/whatsapp/sessions", "")
	require.Equal(t, http.StatusOK, code)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].(map[string]any)["sessionId"])

	code, body = fx.do(t, "POST", "/api/whatsapp/sessions/s1/send", `{"chatId":"c1","message":"hola"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "m-1", body["messageId"])

	code, body = fx.do(t, "DELETE", "/api/whatsapp/sessions/s1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	code, body = fx.do(t, "POST", "/api/whatsapp/sessions/s1/delete", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "not found")
}

func TestCreateSessionErrors(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing fields", `{"accountId":"acc-1","authMethod":"qr"}`, http.StatusBadRequest},
		{"missing auth method", `{"sessionId":"s1","accountId":"acc-1"}`, http.StatusBadRequest},
		{"unknown account", `{"sessionId":"s1","accountId":"nope","authMethod":"qr"}`, http.StatusNotFound},
		{"invalid json", `{"sessionId":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := fx.do(t, "POST", "/api/whatsapp/sessions", tt.body)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, false, body["success"])
		})
	}

	code, _ := fx.do(t, "POST", "/api/whatsapp/sessions", `{"sessionId":"dup","accountId":"acc-1","authMethod":"qr"}`)
	require.Equal(t, http.StatusAccepted, code)
	code, _ = fx.do(t, "POST", "/api/whatsapp/sessions", `{"sessionId":"dup","accountId":"acc-1","authMethod":"qr"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestVerifyFlow(t *testing.T) {
	fx := newFixture(t)

	code, body := fx.do(t, "POST", "/api/whatsapp/sessions", `{"sessionId":"pending-1","accountId":"acc-1","authMethod":"qr"}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["requiresVerification"])
	assert.Equal(t, "qr-data", body["challenge"].(map[string]any)["value"])

	code, _ = fx.do(t, "POST", "/api/whatsapp/sessions/pending-1/verify", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = fx.do(t, "POST", "/api/whatsapp/sessions/pending-1/verify", `{"code":"999"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])

	code, body = fx.do(t, "POST", "/api/whatsapp/sessions/pending-1/verify", `{"code":"123"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	code, _ = fx.do(t, "POST", "/api/whatsapp/sessions/missing/verify", `{"code":"123"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSendValidation(t *testing.T) {
	fx := newFixture(t)

	code, _ := fx.do(t, "POST", "/api/whatsapp/sessions/s1/send", `{"chatId":"c1"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = fx.do(t, "POST", "/api/whatsapp/sessions/s1/send", `{"chatId":"c1","message":"x"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestChannelNotEnabled(t *testing.T) {
	fx := newFixture(t)
	code, body := fx.do(t, "GET", "/api/telegram/sessions", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "not enabled")

	code, _ = fx.do(t, "GET", "/api/signal/sessions", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCredentials(t *testing.T) {
	fx := newFixture(t)

	code, body := fx.do(t, "GET", "/api/accounts/acc-1/credential/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["hasCredential"])

	code, _ = fx.do(t, "GET", "/api/accounts/acc-1/credential", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = fx.do(t, "POST", "/api/accounts/acc-1/credential", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = fx.do(t, "POST", "/api/accounts/acc-1/credential", `{"apiKey":"sk-1"}`)
	require.Equal(t, http.StatusOK, code)

	code, body = fx.do(t, "GET", "/api/accounts/acc-1/credential", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sk-1", body["apiKey"])

	code, body = fx.do(t, "GET", "/api/accounts/acc-1/credential/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["hasCredential"])
	assert.NotNil(t, body["createdAt"])

	code, _ = fx.do(t, "DELETE", "/api/accounts/acc-1/credential", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = fx.do(t, "DELETE", "/api/accounts/acc-1/credential", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = fx.do(t, "GET", "/api/accounts/ghost/credential/status", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestProcess(t *testing.T) {
	fx := newFixture(t)

	code, body := fx.do(t, "POST", "/api/ai/process", `{"accountId":"acc-1","texts":["hola"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "hola", body["reply"])

	code, _ = fx.do(t, "POST", "/api/ai/process", `{"accountId":"acc-1"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = fx.do(t, "POST", "/api/ai/process", `{"accountId":"acc-1","texts":"hola"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestProcessFailure(t *testing.T) {
	fx := newFixture(t, func(c *Config) {
		c.Processor = fakeProcessor{orchestrator.Result{Status: orchestrator.StatusError, Error: "boom"}}
	})
	code, body := fx.do(t, "POST", "/api/ai/process", `{"accountId":"acc-1","texts":["hola"]}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "boom", body["error"])
}

func TestDevRoutes(t *testing.T) {
	fx := newFixture(t)
	code, _ := fx.do(t, "POST", "/api/dev/accounts", `{}`)
	assert.Equal(t, http.StatusNotFound, code)

	fx = newFixture(t, func(c *Config) { c.DevRoutes = true })
	code, body := fx.do(t, "POST", "/api/dev/accounts", `{"tier":"pro"}`)
	require.Equal(t, http.StatusCreated, code)
	id, _ := body["accountId"].(string)
	require.NotEmpty(t, id)

	acc, err := fx.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "pro", acc.Tier)
}

func TestJWTAuth(t *testing.T) {
	fx := newFixture(t, func(c *Config) { c.JWTSecret = "s3cret" })

	sign := func(secret, sub string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": sub,
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		s, err := tok.SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}

	code, _ := fx.do(t, "GET", "/api/whatsapp/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = fx.do(t, "GET", "/api/whatsapp/sessions", "", "Authorization", "Bearer "+sign("wrong", "ops"))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = fx.do(t, "GET", "/api/whatsapp/sessions", "", "Authorization", "Bearer "+sign("s3cret", ""))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = fx.do(t, "GET", "/api/whatsapp/sessions", "", "Authorization", "Bearer "+sign("s3cret", "ops"))
	assert.Equal(t, http.StatusOK, code)

	code, _ = fx.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t, func(c *Config) {
		c.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("chatbridge_up 1\n"))
		})
	})
	resp, err := http.Get(fx.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFlexString(t *testing.T) {
	var req createSessionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"apiId":12345}`), &req))
	assert.Equal(t, flexString("12345"), req.APIID)
	require.NoError(t, json.Unmarshal([]byte(`{"apiId":"678"}`), &req))
	assert.Equal(t, flexString("678"), req.APIID)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind error
		want int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrTimeout, http.StatusGatewayTimeout},
		{domain.ErrVerificationFailed, http.StatusInternalServerError},
		{domain.ErrExternal, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.kind.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(domain.NewError(tt.kind, "op", "msg", nil)))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
