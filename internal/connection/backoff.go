package connection

import (
	"math"
	"math/rand/v2"
	"time"
)

// Delay returns the jittered wait before reconnect attempt number attempt
// (0-based): min(BaseDelay*Factor^attempt, MaxDelay) scaled by ±Jitter.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	return c.delay(attempt, rand.Float64())
}

// delay applies jitter with r in [0, 1).
func (c BackoffConfig) delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := c.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(c.BaseDelay) * math.Pow(factor, float64(attempt))
	if ceiling := float64(c.MaxDelay); c.MaxDelay > 0 && d > ceiling {
		d = ceiling
	}

	if c.Jitter > 0 {
		d *= 1 + c.Jitter*(2*r-1)
	}
	return time.Duration(math.Round(d))
}
