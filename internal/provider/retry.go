package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// retryPolicy retries transient AI endpoint failures: network errors, 5xx
// and 429. The delay before retry n is base*2^(n-1) with up to 50% jitter,
// capped at max. A Retry-After header on 429 replaces the computed delay.
type retryPolicy struct {
	attempts int // total tries, the first included
	base     time.Duration
	max      time.Duration
}

var chatRetry = retryPolicy{attempts: 4, base: time.Second, max: 10 * time.Second}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

func (p retryPolicy) delay(retry int) time.Duration {
	d := p.base << (retry - 1)
	if d <= 0 || d > p.max {
		d = p.max
	}
	d += time.Duration(rand.Int64N(int64(d/2) + 1))
	return min(d, p.max)
}

// retryAfter reads a delay-seconds Retry-After header. HTTP dates are ignored.
func (p retryPolicy) retryAfter(h http.Header) (time.Duration, bool) {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0, false
	}
	return min(time.Duration(secs)*time.Second, p.max), true
}

func transient(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// do sends the request built by newReq until it gets a non-transient
// response, the attempts run out or ctx ends. newReq is called per try
// because a request body cannot be replayed.
func (p retryPolicy) do(ctx context.Context, client *http.Client, newReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var (
		lastErr error
		wait    time.Duration
	)
	for try := 1; try <= p.attempts; try++ {
		if try > 1 {
			logger.Warn("retrying ai request", "try", try, "wait", wait, "error", lastErr)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			wait = p.delay(try)
		case transient(resp.StatusCode):
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &statusError{code: resp.StatusCode, body: string(body)}
			wait = p.delay(try)
			if d, ok := p.retryAfter(resp.Header); ok && resp.StatusCode == http.StatusTooManyRequests {
				wait = d
			}
		default:
			return resp, nil
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", p.attempts, lastErr)
}
