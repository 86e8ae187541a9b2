package backoff

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay_GrowsWithAttempt(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: 0}

	prev := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Delay(attempt)
		assert.Greater(t, d, prev, "attempt %d should back off longer", attempt)
		prev = d
	}
}

func TestDelay_NeverExceedsCap(t *testing.T) {
	p := Policy{Base: 1 * time.Second, Max: 5 * time.Second, Jitter: 0.5, Rand: rand.New(rand.NewSource(1))}

	for attempt := 0; attempt < 40; attempt++ {
		d := p.Delay(attempt)
		assert.LessOrEqual(t, d, 5*time.Second)
		assert.Positive(t, d)
	}
}

func TestDelay_JitterPresent(t *testing.T) {
	p := Policy{Base: 1 * time.Second, Max: 30 * time.Second, Jitter: 0.5, Rand: rand.New(rand.NewSource(42))}

	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		seen[p.Delay(3)] = true
	}
	// same attempt, repeated calls: not all identical
	assert.Greater(t, len(seen), 1, "jitter should spread repeated delays")

	// jittered delay stays inside [0.5d, d)
	for d := range seen {
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 8*time.Second+time.Millisecond)
	}
}

func TestDelay_NegativeAttempt(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0}
	assert.Equal(t, 100*time.Millisecond, p.Delay(-3))
}

func TestRecoveryDelay_Ladder(t *testing.T) {
	require.Equal(t, 24*time.Hour, RecoveryDelay(1))
	require.Equal(t, 72*time.Hour, RecoveryDelay(2))
	require.Equal(t, 168*time.Hour, RecoveryDelay(3))
	// capped past the ladder
	require.Equal(t, 168*time.Hour, RecoveryDelay(4))
	require.Equal(t, 168*time.Hour, RecoveryDelay(100))
	// count below 1 treated as first failure
	require.Equal(t, 24*time.Hour, RecoveryDelay(0))
}
