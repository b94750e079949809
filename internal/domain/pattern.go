package domain

import (
	"fmt"
	"time"
)

// StablePatternOccurrences is the occurrence count at which a pattern is
// considered stable and becomes exempt from confidence decay.
const StablePatternOccurrences = 10

// Pattern is a behavior promoted from repeated observations. A pattern
// and its mirror pattern-memory share one id, so decision pattern_refs
// resolve to both.
type Pattern struct {
	DiscoveredAt     time.Time      `json:"discovered_at"`
	LastReinforcedAt time.Time      `json:"last_reinforced_at"`
	Metadata         map[string]any `json:"metadata"`
	ID               string         `json:"id"`
	PatternType      Category       `json:"pattern_type"`
	Description      string         `json:"description"`
	AffectedPools    []string       `json:"affected_pools"`
	Occurrences      int            `json:"occurrences"`
	Successes        int            `json:"successes"`
	Confidence       float64        `json:"confidence"`
}

// LaplaceConfidence is the smoothed success rate (successes+1)/(occurrences+2).
// It pulls small samples toward 0.5.
func LaplaceConfidence(successes, occurrences int) float64 {
	return float64(successes+1) / float64(occurrences+2)
}

// Reinforce records one more occurrence of the pattern, counting it as a
// success when success is true, and refreshes the confidence.
func (p *Pattern) Reinforce(success bool, at time.Time) {
	p.Occurrences++
	if success {
		p.Successes++
	}
	p.Confidence = LaplaceConfidence(p.Successes, p.Occurrences)
	p.LastReinforcedAt = at
}

// Stable reports whether the pattern has enough occurrences to be exempt
// from decay.
func (p *Pattern) Stable() bool {
	return p.Occurrences >= StablePatternOccurrences
}

// TouchesPool reports whether the pattern covers the given pool pair.
func (p *Pattern) TouchesPool(pair string) bool {
	for _, pool := range p.AffectedPools {
		if pool == pair {
			return true
		}
	}
	return false
}

// AddAffectedPool records a pool pair in the affected set.
func (p *Pattern) AddAffectedPool(pair string) {
	if pair == "" || p.TouchesPool(pair) {
		return
	}
	p.AffectedPools = append(p.AffectedPools, pair)
}

// Check validates the pattern's counting invariant: occurrences ≥ successes ≥ 0.
func (p *Pattern) Check() error {
	if p.Successes < 0 || p.Occurrences < p.Successes {
		return NewError(KindInvariant,
			fmt.Sprintf("pattern %s counters corrupt: successes=%d occurrences=%d", p.ID, p.Successes, p.Occurrences))
	}
	return nil
}
