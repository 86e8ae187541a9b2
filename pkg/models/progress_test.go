package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeProgress(t *testing.T) {
	cases := []struct {
		name string
		in   float64
		want float64
	}{
		{"floors to two decimals", 12.349, 12.34},
		{"two decimals unchanged", 12.34, 12.34},
		{"integer unchanged", 100, 100},
		{"negative clamps to zero", -3.5, 0},
		{"zero", 0, 0},
		{"nan clamps to zero", math.NaN(), 0},
		{"float drift floored", 0.1 + 0.2, 0.30},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, NormalizeProgress(tc.in), 1e-9)
		})
	}
}

func TestNormalizeProgress_Idempotent(t *testing.T) {
	for _, v := range []float64{0, 0.009, 1.239, 55.5, 1023.999, -1} {
		once := NormalizeProgress(v)
		assert.Equal(t, once, NormalizeProgress(once), "normalize(normalize(%v))", v)
	}
}

func TestMergeProgress_MaxOfNormalized(t *testing.T) {
	assert.InDelta(t, 12.34, MergeProgress(12.349, 12.30), 1e-9)
	assert.InDelta(t, 12.34, MergeProgress(12.30, 12.349), 1e-9)
	assert.InDelta(t, 0, MergeProgress(-5, -1), 1e-9)
	assert.InDelta(t, 7.5, MergeProgress(7.5, 7.5), 1e-9)
}

func TestResolutionStatus_Valid(t *testing.T) {
	for _, s := range []ResolutionStatus{StatusPending, StatusEnriched, StatusUnavailable, StatusFailed} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, ResolutionStatus("bogus").Valid())
}

func TestResolutionStatus_TerminalPanicsOnUnknown(t *testing.T) {
	assert.Panics(t, func() {
		ResolutionStatus("bogus").Terminal()
	})
	assert.True(t, StatusUnavailable.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
}
