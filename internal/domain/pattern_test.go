package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLaplaceConfidence checks the smoothed success rate at the
// boundaries and for a typical update sequence.
func TestLaplaceConfidence(t *testing.T) {
	tests := []struct {
		name        string
		successes   int
		occurrences int
		want        float64
	}{
		{"fresh pattern sits at 0.5", 0, 0, 0.5},
		{"three occurrences no successes", 0, 3, 0.2},
		{"three occurrences all successes", 3, 3, 0.8},
		{"large sample approaches raw rate", 90, 100, 91.0 / 102.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, LaplaceConfidence(tt.successes, tt.occurrences), 1e-12)
		})
	}
}

// TestPatternReinforce verifies counters and confidence after outcome updates.
func TestPatternReinforce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &Pattern{ID: "p1", Occurrences: 3, Successes: 0, Confidence: 0.5}

	p.Reinforce(true, now)

	assert.Equal(t, 4, p.Occurrences)
	assert.Equal(t, 1, p.Successes)
	assert.InDelta(t, LaplaceConfidence(1, 4), p.Confidence, 1e-12)
	assert.Equal(t, now, p.LastReinforcedAt)
	require.NoError(t, p.Check())

	p.Reinforce(false, now.Add(time.Hour))
	assert.Equal(t, 5, p.Occurrences)
	assert.Equal(t, 1, p.Successes)
	require.NoError(t, p.Check())
}

// TestPatternStable confirms the decay exemption threshold.
func TestPatternStable(t *testing.T) {
	p := &Pattern{Occurrences: 9}
	assert.False(t, p.Stable())
	p.Occurrences = 10
	assert.True(t, p.Stable())
}

// TestPatternCheckDetectsCorruption ensures corrupted counters surface as
// invariant errors.
func TestPatternCheckDetectsCorruption(t *testing.T) {
	p := &Pattern{ID: "bad", Occurrences: 2, Successes: 5}
	err := p.Check()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvariant))
}

// TestPatternAffectedPools verifies set semantics for the affected set.
func TestPatternAffectedPools(t *testing.T) {
	p := &Pattern{}
	p.AddAffectedPool("AERO/USDC")
	p.AddAffectedPool("AERO/USDC")
	p.AddAffectedPool("WETH/USDC")
	p.AddAffectedPool("")

	assert.Equal(t, []string{"AERO/USDC", "WETH/USDC"}, p.AffectedPools)
	assert.True(t, p.TouchesPool("WETH/USDC"))
	assert.False(t, p.TouchesPool("DAI/USDC"))
}
