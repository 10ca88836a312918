package streamclient

import (
	"math/rand"
	"time"
)

// MaxJitter bounds the random delay added to every reconnect.
const MaxJitter = time.Second

// Backoff returns the delay before reconnect attempt n (1-based):
// min(max, base*2^(n-1)) plus jitter. The exponent is clamped so large
// attempts cannot overflow.
func Backoff(attempt int, base, max time.Duration, jitter func() time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := base << uint(shift)
	if delay > max || delay <= 0 {
		delay = max
	}
	if jitter != nil {
		delay += jitter()
	}
	return delay
}

// RandomJitter returns a uniformly random duration in [0, MaxJitter).
func RandomJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(MaxJitter)))
}
