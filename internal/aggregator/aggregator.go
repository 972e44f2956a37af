// Package aggregator batches bursts of chat fragments per conversation. Each
// fragment restarts a quiet-period countdown; when the countdown expires the
// collected fragments are flushed as one bundle.
package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatbridge/internal/domain"
)

const DefaultWindow = 15 * time.Second

// ErrClosed resolves every pending result when the aggregator shuts down.
var ErrClosed = errors.New("aggregator closed")

// FlushFunc receives each non-empty bundle. It runs on the timer goroutine.
type FlushFunc func(ctx context.Context, b domain.Bundle)

// Flush is the resolved value of a Pending.
type Flush struct {
	Bundle domain.Bundle
	// Delivered is false when the bundle was empty and nothing was handed
	// to the flush handler.
	Delivered bool
}

// Pending is shared by every Accept of one quiet period and resolves once.
type Pending struct {
	done  chan struct{}
	once  sync.Once
	flush Flush
	err   error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(f Flush, err error) {
	p.once.Do(func() {
		p.flush, p.err = f, err
		close(p.done)
	})
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the quiet period ends or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Flush, error) {
	select {
	case <-p.done:
		return p.flush, p.err
	case <-ctx.Done():
		return Flush{}, ctx.Err()
	}
}

type buffer struct {
	bundle  domain.Bundle
	timer   *time.Timer
	gen     uint64
	pending *Pending
}

type Aggregator struct {
	window  time.Duration
	onFlush FlushFunc
	logger  *slog.Logger
	ctx     context.Context

	mu      sync.Mutex
	buffers map[domain.ConversationKey]*buffer
	closed  bool
	running sync.WaitGroup
}

type Config struct {
	Window  time.Duration
	OnFlush FlushFunc
	Logger  *slog.Logger
	// Context is passed to OnFlush. Defaults to context.Background.
	Context context.Context
}

func New(cfg Config) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	return &Aggregator{
		window:  cfg.Window,
		onFlush: cfg.OnFlush,
		logger:  cfg.Logger.With("component", "aggregator"),
		ctx:     cfg.Context,
		buffers: make(map[domain.ConversationKey]*buffer),
	}
}

// Accept appends f to key's buffer and restarts its countdown. Every call
// made before the countdown fires returns the same *Pending.
func (a *Aggregator) Accept(key domain.ConversationKey, f domain.Fragment) *Pending {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		p := newPending()
		p.resolve(Flush{}, ErrClosed)
		return p
	}

	buf, ok := a.buffers[key]
	if !ok {
		buf = &buffer{
			bundle:  domain.Bundle{Key: key},
			pending: newPending(),
		}
		a.buffers[key] = buf
	}
	if f.SessionID != "" {
		buf.bundle.SessionID = f.SessionID
	}
	if f.Content != nil {
		buf.bundle.Add(f.Content)
	}

	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.gen++
	gen := buf.gen
	buf.timer = time.AfterFunc(a.window, func() { a.fire(key, gen) })

	return buf.pending
}

// fire ends the quiet period for key unless a newer Accept re-armed it.
func (a *Aggregator) fire(key domain.ConversationKey, gen uint64) {
	a.mu.Lock()
	buf, ok := a.buffers[key]
	if !ok || buf.gen != gen || a.closed {
		a.mu.Unlock()
		return
	}
	delete(a.buffers, key)
	a.running.Add(1)
	a.mu.Unlock()
	defer a.running.Done()

	if buf.bundle.Empty() {
		buf.pending.resolve(Flush{Bundle: buf.bundle}, nil)
		return
	}

	a.logger.Debug("flushing bundle",
		"key", key.String(),
		"texts", len(buf.bundle.Texts),
		"images", len(buf.bundle.Images),
		"audios", len(buf.bundle.Audios),
	)
	buf.pending.resolve(Flush{Bundle: buf.bundle, Delivered: true}, nil)
	if a.onFlush != nil {
		a.onFlush(a.ctx, buf.bundle)
	}
}

// Open returns the number of conversations currently buffering.
func (a *Aggregator) Open() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Close stops every countdown, resolves their pending results with
// ErrClosed and waits for flush handlers already running.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for key, buf := range a.buffers {
		buf.timer.Stop()
		buf.pending.resolve(Flush{Bundle: buf.bundle}, ErrClosed)
		delete(a.buffers, key)
	}
	a.mu.Unlock()

	a.running.Wait()
}
