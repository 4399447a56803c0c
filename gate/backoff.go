package gate

import (
	"math/rand"
	"time"
)

// BackoffPolicy defines the busy-retry schedule for gated agent calls.
// Delay grows exponentially and is capped: delay = min(Cap, Base * Multiplier^attempt).
type BackoffPolicy struct {
	// Base is the delay before the first retry.
	Base time.Duration `json:"base" yaml:"base"`

	// Cap bounds the delay regardless of attempt count.
	Cap time.Duration `json:"cap" yaml:"cap"`

	// Multiplier is the exponential growth factor.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Jitter randomizes each delay in [delay/2, delay) to avoid thundering
	// herds when many validators hit the same busy agent.
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultBackoffPolicy returns the default busy-retry schedule.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:       500 * time.Millisecond,
		Cap:        8 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns the backoff duration for the given zero-based attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}

	if p.Jitter && delay > 0 {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)))
	}

	return delay
}
