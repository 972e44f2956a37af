package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	p := retryPolicy{attempts: 6, base: 10 * time.Millisecond, max: 100 * time.Millisecond}
	for i := 0; i < 20; i++ {
		d1 := p.delay(1)
		assert.GreaterOrEqual(t, d1, 10*time.Millisecond)
		assert.LessOrEqual(t, d1, 15*time.Millisecond)

		d3 := p.delay(3)
		assert.GreaterOrEqual(t, d3, 40*time.Millisecond)
		assert.LessOrEqual(t, d3, 60*time.Millisecond)

		assert.Equal(t, 100*time.Millisecond, p.delay(5))
		assert.Equal(t, 100*time.Millisecond, p.delay(70))
	}
}

func TestRetryAfterHeader(t *testing.T) {
	p := retryPolicy{max: 10 * time.Second}
	tests := []struct {
		header string
		want   time.Duration
		ok     bool
	}{
		{"2", 2 * time.Second, true},
		{"0", 0, true},
		{"600", 10 * time.Second, true},
		{"", 0, false},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0, false},
		{"-1", 0, false},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.header != "" {
			h.Set("Retry-After", tt.header)
		}
		got, ok := p.retryAfter(h)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func doGet(t *testing.T, p retryPolicy, url string) (*http.Response, error) {
	t.Helper()
	return p.do(context.Background(), http.DefaultClient, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, url, nil)
	}, slog.Default())
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := retryPolicy{attempts: 3, base: time.Millisecond, max: 2 * time.Millisecond}
	_, err := doGet(t, p, srv.URL)
	require.Error(t, err)
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryHonoursRetryAfterOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// The computed delay would be a minute; Retry-After: 0 skips it.
	p := retryPolicy{attempts: 2, base: time.Minute, max: time.Minute}
	start := time.Now()
	resp, err := doGet(t, p, srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	resp, err := doGet(t, retryPolicy{attempts: 4, base: time.Millisecond, max: time.Millisecond}, srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p := retryPolicy{attempts: 4, base: time.Minute, max: time.Minute}
	_, err := p.do(ctx, http.DefaultClient, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	}, slog.Default())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
