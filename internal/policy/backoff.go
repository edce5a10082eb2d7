package policy

import (
	"math/rand"
	"time"

	"github.com/loomctl/loom/pkg/types"
)

// Backoff strategy names accepted in configuration.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
	BackoffFibonacci   = "fibonacci"
)

// DefaultBackoff is exponential starting at 1s and doubling, capped at 1m.
func DefaultBackoff() types.BackoffConfig {
	return types.BackoffConfig{
		Strategy:   BackoffExponential,
		Initial:    time.Second,
		Multiplier: 2.0,
		Max:        time.Minute,
	}
}

// Delay computes the wait before retry attempt number attempt (1-based:
// attempt 1 is the first retry). Unknown strategies fall back to the fixed
// initial delay. The result never exceeds cfg.Max when Max is set, and
// jitter, when enabled, scales the delay by a random factor in [0.5, 1.5).
func Delay(cfg types.BackoffConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := cfg.Initial
	if initial <= 0 {
		initial = time.Second
	}

	var d time.Duration
	switch cfg.Strategy {
	case BackoffLinear:
		d = initial + time.Duration(attempt-1)*cfg.Increment
	case BackoffExponential:
		mult := cfg.Multiplier
		if mult <= 1 {
			mult = 2.0
		}
		d = initial
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * mult)
			if cfg.Max > 0 && d >= cfg.Max {
				d = cfg.Max
				break
			}
		}
	case BackoffFibonacci:
		// fib(1)=1, fib(2)=1, fib(3)=2, ... scaled by the initial delay.
		a, b := 1, 1
		for i := 2; i < attempt; i++ {
			a, b = b, a+b
		}
		if attempt == 1 {
			b = 1
		}
		d = time.Duration(b) * initial
	default: // BackoffFixed and anything unrecognized
		d = initial
	}

	if cfg.Max > 0 && d > cfg.Max {
		d = cfg.Max
	}
	if cfg.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}
