package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	logx "plantpal/pkg/logx"
)

// Runner executes a function under a retry Policy.
//
// Each attempt runs detached from the caller's cancellation and bounded by
// Policy.AttemptTimeout, so an in-flight remote call is never torn down by
// a stop signal. Cancellation is observed at checkpoints: before every
// attempt and while waiting between attempts.
type Runner struct {
	policy Policy
	log    logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep waits for d or until ctx is done; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(p Policy, log logx.Logger) *Runner {
	return &Runner{
		policy: p.withDefaults(),
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepCtx,
	}
}

func (r *Runner) Policy() Policy { return r.policy }

// Result describes a finished run.
type Result struct {
	Attempts int
	Err      error
	Took     time.Duration
}

// Do runs fn until it succeeds, returns a NoRetry error, the attempt budget
// is exhausted, or ctx is cancelled at a checkpoint (ErrCancelled).
// NoRetry wrappers are removed from the returned error.
func (r *Runner) Do(ctx context.Context, name string, fn func(ctx context.Context) error) Result {
	start := time.Now()
	p := r.policy
	var (
		err      error
		attempts int
	)

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Result{Attempts: attempts, Err: cancelled(ctx), Took: time.Since(start)}
		}
		attempts = attempt
		err = r.attempt(ctx, name, fn)
		if err == nil {
			return Result{Attempts: attempts, Took: time.Since(start)}
		}

		var nr noRetryError
		if errors.As(err, &nr) {
			r.log.Debug("task.no_retry", logx.String("task", name), logx.Int("attempt", attempt), logx.Err(err))
			return Result{Attempts: attempts, Err: nr.err, Took: time.Since(start)}
		}
		if attempt >= p.MaxAttempts {
			break
		}

		delay := p.backoffWithHint(attempt, err, r.lockedRNG())
		r.log.Debug("task retry scheduled",
			logx.String("task", name),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if delay > 0 {
			if serr := r.sleep(ctx, delay); serr != nil {
				return Result{Attempts: attempts, Err: cancelled(ctx), Took: time.Since(start)}
			}
		}
	}

	return Result{
		Attempts: attempts,
		Err:      fmt.Errorf("%s: giving up after %d attempts: %w", name, attempts, err),
		Took:     time.Since(start),
	}
}

func (r *Runner) attempt(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	runCtx := context.WithoutCancel(ctx)
	if r.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, r.policy.AttemptTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.log.Error("task.panic", logx.String("task", name), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	return fn(runCtx)
}

// lockedRNG hands out a per-call source so concurrent runs never share one.
func (r *Runner) lockedRNG() *rand.Rand {
	if r.policy.Jitter <= 0 {
		return nil
	}
	r.rngMu.Lock()
	seed := r.rng.Int63()
	r.rngMu.Unlock()
	return rand.New(rand.NewSource(seed))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
