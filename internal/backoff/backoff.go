// Package backoff computes retry delays: capped exponential growth with a
// jitter window, so many simultaneously-failing callers do not retry in
// lockstep.
package backoff

import (
	"math/rand"
	"time"
)

type Policy struct {
	Base time.Duration
	Max  time.Duration
	// Jitter is the fraction of the computed delay that is randomized,
	// in [0,1]. 0.5 means the returned delay lands in [0.5d, d).
	Jitter float64

	// rand source, injectable for tests. Nil means the shared source.
	Rand *rand.Rand
}

// Default is the policy used for transient failures: 500ms base, 30s cap,
// half-window jitter.
var Default = Policy{
	Base:   500 * time.Millisecond,
	Max:    30 * time.Second,
	Jitter: 0.5,
}

// Delay returns the jittered delay for the given attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Jitter <= 0 {
		return d
	}
	window := time.Duration(float64(d) * p.Jitter)
	if window <= 0 {
		return d
	}
	return d - window + p.randDuration(window)
}

func (p Policy) randDuration(window time.Duration) time.Duration {
	if p.Rand != nil {
		return time.Duration(p.Rand.Int63n(int64(window)))
	}
	return time.Duration(rand.Int63n(int64(window)))
}

// RecoverySchedule is the day-scale ladder for re-attempting references that
// hit a hard source error: 1, 3, 7 days, then capped at 7.
var RecoverySchedule = []time.Duration{
	24 * time.Hour,
	3 * 24 * time.Hour,
	7 * 24 * time.Hour,
}

// RecoveryDelay returns the scheduled recovery delay for the given failure
// count (1-based). Counts beyond the ladder stay at the cap.
func RecoveryDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > len(RecoverySchedule) {
		return RecoverySchedule[len(RecoverySchedule)-1]
	}
	return RecoverySchedule[failures-1]
}
