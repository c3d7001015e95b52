package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "plantpal/pkg/logx"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 5, InitialInterval: time.Millisecond, Coefficient: 2, MaxInterval: 10 * time.Millisecond}
}

// recordSleeps swaps the runner's wait for an instant, recording delays.
func recordSleeps(r *Runner) *[]time.Duration {
	var mu sync.Mutex
	var out []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		out = append(out, d)
		mu.Unlock()
		return ctx.Err()
	}
	return &out
}

func TestRunner_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	r := NewRunner(fastPolicy(), logx.Nop())
	sleeps := recordSleeps(r)

	var calls int32
	res := r.Do(context.Background(), "send", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return errors.New("gateway timeout")
		}
		return nil
	})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts=%d want 3", res.Attempts)
	}
	if got := len(*sleeps); got != 2 {
		t.Fatalf("backoff waits=%d want 2", got)
	}
	if (*sleeps)[0] != time.Millisecond || (*sleeps)[1] != 2*time.Millisecond {
		t.Fatalf("unexpected backoff sequence %v", *sleeps)
	}
}

func TestRunner_NoRetryFailsFast(t *testing.T) {
	t.Parallel()

	r := NewRunner(fastPolicy(), logx.Nop())
	sleeps := recordSleeps(r)

	base := errors.New("invalid destination")
	res := r.Do(context.Background(), "send", func(ctx context.Context) error {
		return NoRetry(base)
	})
	if res.Attempts != 1 {
		t.Fatalf("attempts=%d want 1", res.Attempts)
	}
	if !errors.Is(res.Err, base) || IsNoRetry(res.Err) {
		t.Fatalf("expected unwrapped base error, got %v", res.Err)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("no backoff expected, got %v", *sleeps)
	}
}

func TestRunner_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	p := fastPolicy()
	p.MaxAttempts = 3
	r := NewRunner(p, logx.Nop())
	recordSleeps(r)

	var calls int32
	res := r.Do(context.Background(), "send", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("503")
	})
	if res.Err == nil || res.Attempts != 3 || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("res=%+v calls=%d", res, calls)
	}
}

func TestRunner_CancelledBeforeFirstAttempt(t *testing.T) {
	t.Parallel()

	r := NewRunner(fastPolicy(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	res := r.Do(ctx, "send", func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("fn must not run after cancellation")
	}
	if !IsCancelled(res.Err) || res.Attempts != 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestRunner_CancelDuringBackoff(t *testing.T) {
	t.Parallel()

	p := fastPolicy()
	p.InitialInterval = time.Hour
	p.MaxInterval = time.Hour
	r := NewRunner(p, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- r.Do(ctx, "send", func(ctx context.Context) error { return errors.New("timeout") })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if !IsCancelled(res.Err) || res.Attempts != 1 {
			t.Fatalf("res=%+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not observe cancellation during backoff")
	}
}

func TestRunner_InFlightAttemptSurvivesCancel(t *testing.T) {
	t.Parallel()

	r := NewRunner(fastPolicy(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	res := make(chan Result, 1)
	go func() {
		res <- r.Do(ctx, "send", func(actx context.Context) error {
			close(started)
			time.Sleep(30 * time.Millisecond)
			return actx.Err()
		})
	}()
	<-started
	cancel()

	got := <-res
	if got.Err != nil || got.Attempts != 1 {
		t.Fatalf("in-flight attempt should complete: %+v", got)
	}
}

func TestRunner_AttemptTimeout(t *testing.T) {
	t.Parallel()

	p := fastPolicy()
	p.MaxAttempts = 2
	p.AttemptTimeout = 10 * time.Millisecond
	r := NewRunner(p, logx.Nop())
	recordSleeps(r)

	res := r.Do(context.Background(), "send", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(res.Err, context.DeadlineExceeded) || res.Attempts != 2 {
		t.Fatalf("res=%+v", res)
	}
}

func TestRunner_RecoversPanic(t *testing.T) {
	t.Parallel()

	p := fastPolicy()
	p.MaxAttempts = 1
	r := NewRunner(p, logx.Nop())
	res := r.Do(context.Background(), "send", func(ctx context.Context) error { panic("boom") })
	if res.Err == nil {
		t.Fatalf("expected panic to surface as error")
	}
}

func TestPolicy_Backoff(t *testing.T) {
	t.Parallel()

	p := Policy{InitialInterval: 2 * time.Second, Coefficient: 2, MaxInterval: 10 * time.Second}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i+1, nil); got != w {
			t.Fatalf("retry %d: got %s want %s", i+1, got, w)
		}
	}
}

func TestPolicy_RetryAfterHint(t *testing.T) {
	t.Parallel()

	p := Policy{InitialInterval: time.Second, MaxInterval: 5 * time.Second}
	if got := p.backoffWithHint(1, RetryAfter(errors.New("429"), 3*time.Second), nil); got != 3*time.Second {
		t.Fatalf("hint ignored: %s", got)
	}
	if got := p.backoffWithHint(1, RetryAfter(errors.New("429"), time.Minute), nil); got != 5*time.Second {
		t.Fatalf("hint not capped: %s", got)
	}
}

func TestKeyGate(t *testing.T) {
	t.Parallel()

	g := NewKeyGate()
	if !g.TryAcquire("send-1") {
		t.Fatalf("first acquire should succeed")
	}
	if g.TryAcquire("send-1") {
		t.Fatalf("duplicate acquire should fail")
	}
	if !g.TryAcquire("send-2") {
		t.Fatalf("distinct key should succeed")
	}
	g.Release("send-1")
	if !g.TryAcquire("send-1") {
		t.Fatalf("acquire after release should succeed")
	}
	if g.InFlight() != 2 {
		t.Fatalf("inflight=%d", g.InFlight())
	}
}
