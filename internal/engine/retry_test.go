package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meridianfin/meridian/internal/step"
)

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 5,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  300 * time.Millisecond,
	}

	assert.Equal(t, time.Duration(0), p.Delay(1), "first attempt runs immediately")
	assert.Equal(t, 100*time.Millisecond, p.Delay(2))
	assert.Equal(t, 200*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(4), "capped")
	assert.Equal(t, 300*time.Millisecond, p.Delay(10))
}

func TestRetryDelayJitterStaysInBand(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  time.Second,
		JitterPct:   0.2,
	}

	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestPolicyForMergesStepConfig(t *testing.T) {
	defaults := DefaultRetryPolicy()

	assert.Equal(t, defaults, policyFor(defaults, nil))

	merged := policyFor(defaults, &step.RetryConfig{MaxAttempts: 7, BackoffBaseMS: 50})
	assert.Equal(t, 7, merged.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, merged.BackoffBase)
	assert.Equal(t, defaults.BackoffCap, merged.BackoffCap, "unset fields keep the defaults")
}
