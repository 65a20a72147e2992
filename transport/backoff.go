package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff describes an exponential delay schedule.
//
// Jitter is additive: each delay gains a random extra of up to Jitter × delay
// before the cap is applied. With Multiplier >= 1+Jitter the schedule never
// decreases from one attempt to the next.
type Backoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64 // fraction in [0, 1]
}

// Delay returns the wait before attempt N (1-based). rng may be nil, in which
// case no jitter is applied.
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if b.Jitter > 0 && rng != nil {
		j := math.Min(b.Jitter, 1)
		delay += delay * j * rng.Float64()
	}
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	return time.Duration(delay)
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
