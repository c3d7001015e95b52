package engine

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy is an exponential backoff retry policy.
//
// Defaults (when fields are zero):
//   - MaxAttempts: 5
//   - InitialInterval: 2s
//   - Coefficient: 2
//   - MaxInterval: 100 x InitialInterval
//   - AttemptTimeout: 0 (no per-attempt timeout)
//   - Jitter: 0 (deterministic delays)
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Coefficient     float64
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
	// Jitter is a fraction in [0,1]; 0.2 spreads each delay by +/-20%.
	Jitter float64
}

// DefaultPolicy mirrors the delivery defaults: 5 attempts, 2s initial
// interval doubling each retry, 2m per attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 2 * time.Second,
		Coefficient:     2,
		MaxInterval:     time.Minute,
		AttemptTimeout:  2 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 2 * time.Second
	}
	if p.Coefficient < 1 {
		p.Coefficient = 2
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 100 * p.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.AttemptTimeout < 0 {
		p.AttemptTimeout = 0
	}
	p.Jitter = math.Max(0, math.Min(1, p.Jitter))
	return p
}

// Backoff returns the wait before attempt number retry+1, where retry is the
// 1-based number of the attempt that just failed.
func (p Policy) Backoff(retry int, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	if retry < 1 {
		retry = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.Coefficient, float64(retry-1))
	if d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	return p.jitter(time.Duration(d), rng)
}

// backoffWithHint prefers an explicit RetryAfter delay carried by err.
func (p Policy) backoffWithHint(retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		p = p.withDefaults()
		d := min(max(ra.RetryAfter(), 0), p.MaxInterval)
		return p.jitter(d, rng)
	}
	return p.Backoff(retry, rng)
}

func (p Policy) jitter(d time.Duration, rng *rand.Rand) time.Duration {
	if p.Jitter <= 0 || rng == nil || d <= 0 {
		return d
	}
	r := (rng.Float64()*2 - 1) * p.Jitter
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}
