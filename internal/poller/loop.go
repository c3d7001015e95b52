package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "plantpal/pkg/logx"
)

var (
	// ErrLoopStopped is returned by Tick after Stop. It is also the cancel
	// cause seen by Delivery Tasks of the cycle Stop interrupted.
	ErrLoopStopped = errors.New("poll loop stopped")
	// ErrCyclePanic marks a cycle that ended in a recovered panic.
	ErrCyclePanic = errors.New("poll cycle panicked")
)

// State is the Scheduler Loop state.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the loop for the health surface.
type Status struct {
	State       string       `json:"state"`
	Alive       bool         `json:"alive"`
	Cycles      uint64       `json:"cycles"`
	LastCycleAt time.Time    `json:"last_cycle_at,omitempty"`
	LastResult  *CycleResult `json:"last_result,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

// Loop drives Poll Cycles from schedule ticks.
//
//	Idle --Tick--> Polling --cycle done--> Idle
//	Idle --Stop--> Stopped
//	Polling --Stop--> (cycle drains) --> Stopped
type Loop struct {
	poller *Poller
	log    logx.Logger

	mu       sync.Mutex
	state    State
	stopping bool
	idle     chan struct{} // closed when the current cycle ends
	cancel   context.CancelCauseFunc

	cycles      uint64
	lastCycleAt time.Time
	lastResult  *CycleResult
	lastErr     error
}

func NewLoop(p *Poller, log logx.Logger) *Loop {
	idle := make(chan struct{})
	close(idle)
	return &Loop{poller: p, log: log, idle: idle}
}

// Tick runs exactly one Poll Cycle when the loop is idle. A tick that
// arrives while a cycle is running is dropped. Cycle errors are logged and
// swallowed so the next tick retries.
func (l *Loop) Tick(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case StateStopped:
		l.mu.Unlock()
		return ErrLoopStopped
	case StatePolling:
		l.mu.Unlock()
		l.log.Debug("tick dropped; cycle in progress")
		return nil
	}
	l.state = StatePolling
	done := make(chan struct{})
	l.idle = done
	cctx, cancel := context.WithCancelCause(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	window := l.poller.Config().WindowSec
	res, err := l.runCycle(cctx, window)
	cancel(nil)
	if err != nil {
		l.log.Warn("poll cycle failed", logx.Int("window_sec", window), logx.Err(err))
	}

	l.mu.Lock()
	l.cycles++
	l.lastCycleAt = time.Now()
	l.lastResult = &res
	l.lastErr = err
	l.cancel = nil
	if l.stopping {
		l.state = StateStopped
		l.log.Info("poll loop stopped after draining cycle")
	} else {
		l.state = StateIdle
	}
	close(done)
	l.mu.Unlock()
	return nil
}

// runCycle turns a panic in the cycle into an error so the loop returns to
// Idle and keeps ticking.
func (l *Loop) runCycle(ctx context.Context, window int) (res CycleResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrCyclePanic, rec)
			l.log.Error("poll cycle panic", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	return l.poller.RunCycle(ctx, window)
}

// Stop raises the cancellation signal. An idle loop stops at once. A
// polling loop cancels the cycle context: Delivery Tasks observe it at their
// next checkpoint while calls already in flight finish. No cycle starts
// after Stop. Stop does not block; use Wait to drain.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		return
	}
	l.stopping = true
	switch l.state {
	case StateIdle:
		l.state = StateStopped
		l.log.Info("poll loop stopped")
	case StatePolling:
		if l.cancel != nil {
			l.cancel(ErrLoopStopped)
		}
	}
}

// Wait blocks until no cycle is running or ctx is done.
func (l *Loop) Wait(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current loop state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Alive reports whether the loop still accepts ticks.
func (l *Loop) Alive() bool {
	return l.State() != StateStopped
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		State:       l.state.String(),
		Alive:       l.state != StateStopped,
		Cycles:      l.cycles,
		LastCycleAt: l.lastCycleAt,
	}
	if l.lastResult != nil {
		r := *l.lastResult
		st.LastResult = &r
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st
}
