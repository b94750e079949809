package memory

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/forager/internal/domain"
)

// CleanMetadata canonicalizes metadata values and truncates the map so
// its serialized size stays within domain.MaxMetadataBytes. Decimals
// and times become canonical strings so the map survives any codec
// round trip unchanged. Priority keys always survive truncation.
func CleanMetadata(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = canonicalValue(v)
	}
	if metadataSize(out) <= domain.MaxMetadataBytes {
		return out
	}
	return truncateMetadata(out)
}

func canonicalValue(v any) any {
	switch t := v.(type) {
	case decimal.Decimal:
		return t.String()
	case *decimal.Decimal:
		if t == nil {
			return nil
		}
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return t.String()
	case float32:
		return float64(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = canonicalValue(e)
		}
		return cp
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, e := range t {
			cp[k] = canonicalValue(e)
		}
		return cp
	default:
		return v
	}
}

// metadataSize measures the serialized size of a metadata map. A map
// that cannot be serialized counts as infinitely large so truncation
// drops its offending keys.
func metadataSize(md map[string]any) int {
	raw, err := json.Marshal(md)
	if err != nil {
		return math.MaxInt
	}
	return len(raw)
}

// truncateMetadata rebuilds the map starting from the priority keys and
// re-adds the remaining keys in sorted order while the budget holds.
// Sorted order makes truncation deterministic for identical input.
func truncateMetadata(md map[string]any) map[string]any {
	out := make(map[string]any)
	for _, k := range domain.PriorityMetadataKeys() {
		if v, ok := md[k]; ok {
			out[k] = v
		}
	}

	rest := make([]string, 0, len(md))
	for k := range md {
		if _, taken := out[k]; !taken {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)

	for _, k := range rest {
		out[k] = md[k]
		if metadataSize(out) > domain.MaxMetadataBytes {
			delete(out, k)
		}
	}
	return out
}

// MetaString extracts a string metadata value, or "" when absent.
func MetaString(md map[string]any, key string) string {
	if v, ok := md[key].(string); ok {
		return v
	}
	return ""
}

// MetaFloat extracts a numeric metadata value. It accepts the canonical
// string form produced by CleanMetadata as well as raw numeric types
// left by codec round trips.
func MetaFloat(md map[string]any, key string) (float64, bool) {
	switch v := md[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// MetaInt extracts an integer metadata value via MetaFloat.
func MetaInt(md map[string]any, key string) (int, bool) {
	f, ok := MetaFloat(md, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}
