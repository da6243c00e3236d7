package engine

import (
	"math/rand"
	"time"

	"github.com/meridianfin/meridian/internal/step"
)

// RetryPolicy bounds attempts for one step and shapes the backoff
// between them.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	JitterPct   float64
}

// DefaultRetryPolicy returns the engine-wide retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  30 * time.Second,
		JitterPct:   0.2,
	}
}

// policyFor merges a step's retry config over the defaults.
func policyFor(defaults RetryPolicy, cfg *step.RetryConfig) RetryPolicy {
	p := defaults
	if cfg == nil {
		return p
	}
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffBaseMS > 0 {
		p.BackoffBase = time.Duration(cfg.BackoffBaseMS) * time.Millisecond
	}
	if cfg.BackoffCapMS > 0 {
		p.BackoffCap = time.Duration(cfg.BackoffCapMS) * time.Millisecond
	}
	if cfg.JitterPct > 0 {
		p.JitterPct = cfg.JitterPct
	}
	return p
}

// Delay returns the backoff before the given attempt (1-based): an
// exponential of the base, capped, with symmetric jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	backoff := p.BackoffBase
	for i := 2; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.BackoffCap {
			backoff = p.BackoffCap
			break
		}
	}
	if backoff > p.BackoffCap {
		backoff = p.BackoffCap
	}
	if p.JitterPct > 0 {
		jitter := 1 + p.JitterPct*(2*rand.Float64()-1)
		backoff = time.Duration(float64(backoff) * jitter)
	}
	return backoff
}
