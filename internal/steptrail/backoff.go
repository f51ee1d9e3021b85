package steptrail

import (
	"math/rand"
	"time"
)

const (
	DefaultRetryBase   = 60 * time.Second
	DefaultRetryMax    = time.Hour
	DefaultRetryJitter = 15 * time.Second
	maxBackoffExponent = 8
)

type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultRetryBase
	}
	if b.Max <= 0 {
		b.Max = DefaultRetryMax
	}
	if b.Jitter <= 0 {
		b.Jitter = DefaultRetryJitter
	}
	return b
}

// Delay is min(base*2^min(attempt,8) + jitter, max).
func (b Backoff) Delay(attempt int, jitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	if jitter < 0 {
		jitter = 0
	}
	delay := b.Base<<uint(attempt) + jitter
	if delay > b.Max || delay < 0 {
		return b.Max
	}
	return delay
}

// RandomJitter draws uniformly from [0, Jitter].
func (b Backoff) RandomJitter() time.Duration {
	if b.Jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(b.Jitter) + 1))
}
