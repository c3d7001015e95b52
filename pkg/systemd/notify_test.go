package systemd

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	sends []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	r.sends = append(r.sends, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sends {
		if s == state {
			n++
		}
	}
	return n
}

func TestStateMessages(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := &Notifier{notify: rec.notify}
	_, _ = n.Ready()
	_, _ = n.Status("polling")
	_, _ = n.Stopping()

	want := []string{"READY=1", "STATUS=polling", "STOPPING=1"}
	if len(rec.sends) != len(want) {
		t.Fatalf("sends=%v", rec.sends)
	}
	for i := range want {
		if rec.sends[i] != want[i] {
			t.Fatalf("send %d: got %q want %q", i, rec.sends[i], want[i])
		}
	}
}

func TestWatchdogSkipsWhenUnhealthy(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := &Notifier{notify: rec.notify}
	var healthy atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Watchdog(ctx, 5*time.Millisecond, healthy.Load)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if got := rec.count("WATCHDOG=1"); got != 0 {
		t.Fatalf("unhealthy pings=%d", got)
	}
	healthy.Store(true)
	deadline := time.Now().Add(time.Second)
	for rec.count("WATCHDOG=1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no watchdog ping")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestWatchdogDisabled(t *testing.T) {
	t.Parallel()

	n := &Notifier{notify: (&recorder{}).notify}
	if err := n.Watchdog(context.Background(), 0, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
}
