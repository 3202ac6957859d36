package workflow

import (
	"math"
	"math/rand"
	"time"
)

// Default backoff parameters for the Retries shorthand.
const (
	defaultBackoffFactor   = 2.0
	defaultBackoffMinDelay = 500 * time.Millisecond
)

// Backoff computes the delay before a retry attempt. The delay for retry
// n (1-based) is min(Factor^(n-1) * MinDelay, MaxDelay); MaxDelay of 0
// means unbounded. With Jitter, the delay is sampled uniformly from
// [0.75*base, 1.25*base].
type Backoff struct {
	Factor   float64       `json:"factor,omitempty" yaml:"factor,omitempty"`
	MinDelay time.Duration `json:"min_delay,omitempty" yaml:"min_delay,omitempty"`
	MaxDelay time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter   bool          `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// RetryConfig is the full retry policy; it overrides the Retries
// shorthand on a Definition.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts"`
	Backoff     Backoff `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

func defaultBackoff() Backoff {
	return Backoff{Factor: defaultBackoffFactor, MinDelay: defaultBackoffMinDelay}
}

func (b Backoff) withDefaults() Backoff {
	if b.Factor <= 0 {
		b.Factor = defaultBackoffFactor
	}
	if b.MinDelay <= 0 {
		b.MinDelay = defaultBackoffMinDelay
	}
	return b
}

// Delay returns the scheduled delay before the given retry (1-based).
func (b Backoff) Delay(retryCount int) time.Duration {
	b = b.withDefaults()
	if retryCount < 1 {
		retryCount = 1
	}

	base := float64(b.MinDelay) * math.Pow(b.Factor, float64(retryCount-1))
	if b.MaxDelay > 0 && base > float64(b.MaxDelay) {
		base = float64(b.MaxDelay)
	}
	if base > float64(math.MaxInt64) {
		base = float64(math.MaxInt64)
	}

	if b.Jitter {
		base *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(base)
}
