package session

import (
	"math/rand"
	"time"
)

// Delay is the wait after retransmission n (1-based): InitialDelay grown by
// Multiplier per step and capped at MaxDelay. Jitter spreads it over
// [0.75d, 1.25d), still capped. A nil rng disables jitter.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.InitialDelay)
	limit := float64(b.MaxDelay)
	for i := 1; i < n; i++ {
		d *= mult
		if limit > 0 && d >= limit {
			d = limit
			break
		}
	}
	if b.Jitter && rng != nil {
		d *= 0.75 + rng.Float64()/2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return time.Duration(d)
}

// ackWait is how long transmission number attempt waits for its ACK.
func (c Config) ackWait(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return c.AckTimeout
	}
	return c.Backoff.Delay(attempt-1, rng)
}
