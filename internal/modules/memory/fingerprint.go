package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/aristath/forager/internal/domain"
)

// aprQuantum is the APR bin width used by Fingerprint. Observations
// whose APR falls in the same 5-point bin share a fingerprint segment.
const aprQuantum = 5.0

// PatternGroup is a cluster of observations sharing one fingerprint.
type PatternGroup struct {
	Fingerprint string
	Memories    []domain.Memory
}

// Fingerprint reduces a memory to a coarse deterministic key: category,
// pool pair, APR quantized to the nearest 5 points, TVL log10 bucket,
// and hour of day. Memories of the same recurring situation collide on
// the same fingerprint regardless of small metric jitter.
func Fingerprint(mem domain.Memory) string {
	apr := "-"
	if v, ok := MetaFloat(mem.Metadata, domain.MetaAPR); ok {
		apr = fmt.Sprintf("%.0f", math.Round(v/aprQuantum)*aprQuantum)
	}
	tvl := "-"
	if v, ok := MetaFloat(mem.Metadata, domain.MetaTVL); ok {
		tvl = fmt.Sprintf("%d", tvlBucket(v))
	}

	return strings.Join([]string{
		string(mem.Category),
		MetaString(mem.Metadata, domain.MetaPool),
		"apr" + apr,
		"tvl" + tvl,
		fmt.Sprintf("h%02d", mem.Timestamp.UTC().Hour()),
	}, "|")
}

// tvlBucket maps TVL to its order of magnitude. Everything under $1
// shares bucket zero.
func tvlBucket(tvl float64) int {
	if tvl < 1 {
		return 0
	}
	return int(math.Floor(math.Log10(tvl)))
}

// FindPatterns groups observations by fingerprint and returns the
// groups that occur at least minOccurrences times, largest first. It is
// a pure function: promoting a group into a stored pattern is the
// pattern engine's job.
func FindPatterns(observations []domain.Memory, minOccurrences int) []PatternGroup {
	if minOccurrences < 1 {
		minOccurrences = 1
	}

	groups := make(map[string][]domain.Memory)
	for _, m := range observations {
		fp := Fingerprint(m)
		groups[fp] = append(groups[fp], m)
	}

	out := make([]PatternGroup, 0, len(groups))
	for fp, ms := range groups {
		if len(ms) >= minOccurrences {
			out = append(out, PatternGroup{Fingerprint: fp, Memories: ms})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Memories) != len(out[j].Memories) {
			return len(out[i].Memories) > len(out[j].Memories)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}
