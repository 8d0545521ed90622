package jobs

import "time"

// BreakerConfig pauses a recurring job after consecutive failures.
//
// Defaults (when fields are zero):
//   - Trip: 5 consecutive failures (negative disables the breaker)
//   - BaseDelay: 5s, doubled for each further failure
//   - MaxDelay: 2m
type BreakerConfig struct {
	Trip      int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// breaker tracks consecutive failures of one job. Guarded by Service.mu.
type breaker struct {
	fails     int
	openUntil time.Time
}

func (b *breaker) open(now time.Time) bool {
	return !b.openUntil.IsZero() && now.Before(b.openUntil)
}

// record updates the breaker and returns the new pause deadline, zero when
// the circuit stays closed.
func (b *breaker) record(cfg BreakerConfig, now time.Time, err error) time.Time {
	if err == nil || cfg.Trip < 0 {
		b.fails = 0
		b.openUntil = time.Time{}
		return time.Time{}
	}
	b.fails++
	if b.fails < cfg.Trip {
		return time.Time{}
	}

	d := cfg.BaseDelay
	for i := cfg.Trip; i < b.fails && d < cfg.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.MaxDelay)
	b.openUntil = now.Add(d)
	return b.openUntil
}
