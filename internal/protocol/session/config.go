package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines reliability defaults for NEED_ACK traffic.
type Config struct {
	// AckTimeout is how long the first transmission waits for its ACK.
	AckTimeout time.Duration
	// MaxAttempts counts every transmission, the first one included.
	MaxAttempts int
	// SweepInterval is the retransmission timer period.
	SweepInterval time.Duration
	// Backoff stretches the wait after each retransmission. A zero InitialDelay
	// falls back to AckTimeout.
	Backoff BackoffConfig
}

// DefaultConfig returns defaults sized for ESP-NOW round trips.
func DefaultConfig() Config {
	return Config{
		AckTimeout:    200 * time.Millisecond,
		MaxAttempts:   3,
		SweepInterval: 25 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: 200 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = c.AckTimeout
	}
	return c
}
