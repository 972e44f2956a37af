package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyA = domain.ConversationKey{AccountID: "acc", ChatID: "a", Channel: domain.ChannelWhatsApp}
	keyB = domain.ConversationKey{AccountID: "acc", ChatID: "b", Channel: domain.ChannelWhatsApp}
)

type recorder struct {
	mu      sync.Mutex
	bundles []domain.Bundle
}

func (r *recorder) flush(_ context.Context, b domain.Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles = append(r.bundles, b)
}

func (r *recorder) snapshot() []domain.Bundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Bundle(nil), r.bundles...)
}

func text(s string) domain.Fragment {
	return domain.Fragment{SessionID: "s1", Content: domain.TextContent{Body: s}}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBurstFlushesOnceInOrder(t *testing.T) {
	rec := &recorder{}
	a := New(Config{Window: 60 * time.Millisecond, OnFlush: rec.flush})
	defer a.Close()

	p1 := a.Accept(keyA, text("hola"))
	p2 := a.Accept(keyA, domain.Fragment{SessionID: "s1", Content: domain.MediaContent{Kind: domain.ModalityImage, Ref: domain.MediaRef{ID: "img"}}})
	p3 := a.Accept(keyA, text("¿qué es esto?"))

	assert.Same(t, p1, p2)
	assert.Same(t, p2, p3)

	res, err := p3.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, []string{"hola", "¿qué es esto?"}, res.Bundle.Texts)
	require.Len(t, res.Bundle.Images, 1)
	assert.Equal(t, "s1", res.Bundle.SessionID)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, keyA, rec.snapshot()[0].Key)
	assert.Equal(t, 0, a.Open())
}

func TestEachFragmentRestartsCountdown(t *testing.T) {
	rec := &recorder{}
	window := 150 * time.Millisecond
	a := New(Config{Window: window, OnFlush: rec.flush})
	defer a.Close()

	start := time.Now()
	var p *Pending
	for i := 0; i < 4; i++ {
		p = a.Accept(keyA, text("m"))
		time.Sleep(30 * time.Millisecond)
	}
	res, err := p.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Len(t, res.Bundle.Texts, 4)
	assert.GreaterOrEqual(t, time.Since(start), 3*30*time.Millisecond+window)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestKeysAreIndependent(t *testing.T) {
	rec := &recorder{}
	a := New(Config{Window: 50 * time.Millisecond, OnFlush: rec.flush})
	defer a.Close()

	pa := a.Accept(keyA, text("a"))
	pb := a.Accept(keyB, text("b"))
	assert.NotSame(t, pa, pb)

	ra, err := pa.Wait(waitCtx(t))
	require.NoError(t, err)
	rb, err := pb.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, ra.Bundle.Texts)
	assert.Equal(t, []string{"b"}, rb.Bundle.Texts)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestNewPeriodAfterFlush(t *testing.T) {
	a := New(Config{Window: 30 * time.Millisecond})
	defer a.Close()

	first := a.Accept(keyA, text("1"))
	_, err := first.Wait(waitCtx(t))
	require.NoError(t, err)

	second := a.Accept(keyA, text("2"))
	assert.NotSame(t, first, second)
	res, err := second.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, res.Bundle.Texts)
}

func TestEmptyBundleNotHandedOver(t *testing.T) {
	rec := &recorder{}
	a := New(Config{Window: 30 * time.Millisecond, OnFlush: rec.flush})
	defer a.Close()

	p := a.Accept(keyA, domain.Fragment{SessionID: "s1"})
	res, err := p.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	assert.True(t, res.Bundle.Empty())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestCloseResolvesPending(t *testing.T) {
	rec := &recorder{}
	a := New(Config{Window: time.Hour, OnFlush: rec.flush})

	p := a.Accept(keyA, text("never flushed"))
	require.Equal(t, 1, a.Open())
	a.Close()
	assert.Zero(t, a.Open())

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("pending not resolved by Close")
	}
	_, err := p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, rec.snapshot())

	_, err = a.Accept(keyA, text("late")).Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWaitHonoursContext(t *testing.T) {
	a := New(Config{Window: time.Hour})
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Accept(keyA, text("x")).Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentAcceptSingleFlush(t *testing.T) {
	rec := &recorder{}
	a := New(Config{Window: 200 * time.Millisecond, OnFlush: rec.flush})
	defer a.Close()

	var wg sync.WaitGroup
	pendings := make([]*Pending, 20)
	for i := range pendings {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pendings[i] = a.Accept(keyA, text("m"))
		}(i)
	}
	wg.Wait()

	for _, p := range pendings[1:] {
		assert.Same(t, pendings[0], p)
	}
	res, err := pendings[0].Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Len(t, res.Bundle.Texts, 20)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}
