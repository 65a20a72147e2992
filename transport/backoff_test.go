package transport

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.Delay(1, nil))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2, nil))
	assert.Equal(t, 400*time.Millisecond, b.Delay(3, nil))
	assert.Equal(t, time.Second, b.Delay(10, nil), "capped at MaxDelay")
	assert.Equal(t, 100*time.Millisecond, b.Delay(0, nil), "attempts below 1 count as the first")
}

func TestBackoffJitterIsMonotone(t *testing.T) {
	b := Backoff{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second, Jitter: 0.5}
	rng := rand.New(rand.NewSource(1))

	for run := 0; run < 100; run++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 12; attempt++ {
			d := b.Delay(attempt, rng)
			assert.GreaterOrEqual(t, d, prev)
			assert.LessOrEqual(t, d, b.MaxDelay)
			prev = d
		}
	}
}

func TestBackoffZeroInitialDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff{}.Delay(5, newRand()))
}
