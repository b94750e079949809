// Package patterns promotes recurring observation clusters into durable
// patterns and folds execution outcomes back into their confidence.
// Patterns are the agent's distilled beliefs: the rebalancer consults
// them through Best, and every reinforcement updates both the pattern
// and its mirror memory.
package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/modules/memory"
	"github.com/aristath/forager/internal/storage"
)

const (
	// promotionWindow is how far back Promote looks for observation
	// clusters.
	promotionWindow = 24 * time.Hour

	// minPromotionOccurrences is the cluster size required before a
	// fingerprint becomes a pattern.
	minPromotionOccurrences = 3

	// staleDecayDays and staleFloor govern retirement: a pattern whose
	// confidence, decayed from its last reinforcement, falls below the
	// floor is deleted together with its mirror memory.
	staleDecayDays = 30.0
	staleFloor     = 0.1
)

// PromotionCategories returns the observation categories scanned for
// recurring clusters each cycle.
func PromotionCategories() []domain.Category {
	return []domain.Category{
		domain.CategoryMarketPattern,
		domain.CategoryAPRAnomaly,
		domain.CategoryAPRDegradation,
		domain.CategoryGasOptimizationWindows,
		domain.CategoryPoolBehavior,
		domain.CategoryVolumeTracking,
		domain.CategoryNewPool,
	}
}

// Engine owns the pattern lifecycle. All patterns are held in memory
// and persisted write-through; LoadAll restores them at startup.
type Engine struct {
	memories *memory.Store
	docs     domain.DocStore
	clock    domain.Clock
	events   *events.Manager
	log      zerolog.Logger

	mu            sync.RWMutex
	patterns      map[string]*domain.Pattern
	byFingerprint map[string]string
}

// NewEngine wires the pattern engine to its collaborators.
func NewEngine(memories *memory.Store, docs domain.DocStore, clock domain.Clock, eventMgr *events.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		memories:      memories,
		docs:          docs,
		clock:         clock,
		events:        eventMgr,
		log:           log.With().Str("module", "patterns").Logger(),
		patterns:      make(map[string]*domain.Pattern),
		byFingerprint: make(map[string]string),
	}
}

// LoadAll restores every persisted pattern. Called once at startup.
func (e *Engine) LoadAll(ctx context.Context) error {
	docs, err := e.docs.QueryDocs(ctx, storage.CollPatterns, domain.DocQuery{})
	if err != nil {
		return fmt.Errorf("failed to load patterns: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, doc := range docs {
		p, err := patternFromDoc(doc.Data)
		if err != nil {
			e.log.Warn().Err(err).Str("pattern_id", doc.ID).Msg("Skipping unreadable pattern")
			continue
		}
		e.patterns[p.ID] = p
		if fp := memory.MetaString(p.Metadata, "fingerprint"); fp != "" {
			e.byFingerprint[fp] = p.ID
		}
	}

	e.log.Info().Int("patterns", len(e.patterns)).Msg("Patterns loaded")
	return nil
}

// Promote scans the recent observations of every promotion category,
// fingerprints them, and turns each cluster of at least three
// occurrences that is not yet represented into a new pattern with a
// mirror pattern memory sharing its id. Returns the newly promoted
// patterns.
func (e *Engine) Promote(ctx context.Context) ([]domain.Pattern, error) {
	now := e.clock.Now().UTC()
	since := now.Add(-promotionWindow)

	var promoted []domain.Pattern
	for _, category := range PromotionCategories() {
		observations, err := e.memories.RecallCategory(ctx, category, domain.MemoryObservation, since, 0)
		if err != nil {
			return promoted, fmt.Errorf("failed to pull %s observations: %w", category, err)
		}

		for _, group := range memory.FindPatterns(observations, minPromotionOccurrences) {
			e.mu.RLock()
			_, represented := e.byFingerprint[group.Fingerprint]
			e.mu.RUnlock()
			if represented {
				continue
			}

			p, err := e.promoteGroup(ctx, category, group, now)
			if err != nil {
				e.log.Warn().Err(err).Str("fingerprint", group.Fingerprint).Msg("Failed to promote pattern")
				continue
			}
			promoted = append(promoted, *p)
		}
	}
	return promoted, nil
}

// promoteGroup materializes one observation cluster as a pattern.
func (e *Engine) promoteGroup(ctx context.Context, category domain.Category, group memory.PatternGroup, now time.Time) (*domain.Pattern, error) {
	pools := affectedPools(group.Memories)
	hour := group.Memories[0].Timestamp.UTC().Hour()

	p := &domain.Pattern{
		ID:               uuid.New().String(),
		PatternType:      category,
		Description:      describeGroup(category, group, pools, hour),
		AffectedPools:    pools,
		DiscoveredAt:     now,
		LastReinforcedAt: now,
		Confidence:       domain.LaplaceConfidence(0, 0),
		Metadata: map[string]any{
			"fingerprint":       group.Fingerprint,
			"observation_count": len(group.Memories),
			"hour":              hour,
		},
	}
	if decay, ok := meanMetaFloat(group.Memories, "decay_24h"); ok {
		p.Metadata["decay_24h"] = decay
	}

	if err := e.persist(ctx, p); err != nil {
		return nil, err
	}

	// The mirror memory shares the pattern's id so decision pattern_refs
	// resolve to both. References keep the source observations findable.
	mirror := domain.Memory{
		ID:         p.ID,
		Type:       domain.MemoryPattern,
		Category:   category,
		Content:    p.Description,
		Confidence: p.Confidence,
		Timestamp:  now,
		References: memoryIDs(group.Memories),
		Metadata: map[string]any{
			domain.MetaPatternType: string(category),
			domain.MetaPool:        firstPool(pools),
			"fingerprint":          group.Fingerprint,
			"occurrences":          p.Occurrences,
		},
	}
	if _, err := e.memories.Remember(ctx, mirror); err != nil {
		e.log.Warn().Err(err).Str("pattern_id", p.ID).Msg("Failed to store mirror pattern memory")
	}

	e.mu.Lock()
	e.patterns[p.ID] = p
	e.byFingerprint[group.Fingerprint] = p.ID
	e.mu.Unlock()

	e.events.EmitTyped("patterns", &events.PatternPromotedData{
		PatternID:   p.ID,
		PatternType: string(p.PatternType),
		Occurrences: p.Occurrences,
		Confidence:  p.Confidence,
	})
	e.log.Info().
		Str("pattern_id", p.ID).
		Str("category", string(category)).
		Int("observations", len(group.Memories)).
		Msg("Pattern promoted")
	return p, nil
}

// ApplyOutcome resolves an outcome against the patterns its decision
// referenced. Executed outcomes reinforce with success = realized net
// profit > 0; failed executions reinforce as failures (gas was burned
// on the pattern's advice); rejected and deferred outcomes teach
// nothing and are skipped. Returns the reinforced patterns.
func (e *Engine) ApplyOutcome(ctx context.Context, decision domain.Decision, outcome domain.Outcome) ([]domain.Pattern, error) {
	switch outcome.Status {
	case domain.OutcomeExecuted, domain.OutcomeFailed:
	default:
		return nil, nil
	}
	success := outcome.Status == domain.OutcomeExecuted && outcome.Profitable()
	now := e.clock.Now().UTC()

	var reinforced []domain.Pattern
	for _, ref := range decision.PatternRefs {
		e.mu.Lock()
		p, ok := e.patterns[ref]
		if !ok {
			// Refs may point at plain memories; those carry no counters.
			e.mu.Unlock()
			continue
		}
		p.Reinforce(success, now)
		snapshot := clonePattern(p)
		e.mu.Unlock()

		if err := snapshot.Check(); err != nil {
			return reinforced, err
		}
		if err := e.persist(ctx, &snapshot); err != nil {
			return reinforced, fmt.Errorf("failed to persist reinforced pattern %s: %w", ref, err)
		}
		if err := e.memories.UpdateConfidence(ctx, ref, snapshot.Confidence, snapshot.Occurrences); err != nil {
			e.log.Warn().Err(err).Str("pattern_id", ref).Msg("Failed to update mirror pattern memory")
		}

		e.events.EmitTyped("patterns", &events.PatternReinforcedData{
			PatternID:   ref,
			Success:     success,
			Occurrences: snapshot.Occurrences,
			Confidence:  snapshot.Confidence,
		})
		reinforced = append(reinforced, snapshot)
	}
	return reinforced, nil
}

// Best returns the strongest pattern of a category for a pool. Patterns
// with no affected pools are global and match any pool; an empty pool
// matches everything. Ties break by confidence, then occurrences, then
// most recent reinforcement.
func (e *Engine) Best(category domain.Category, pool string) (domain.Pattern, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *domain.Pattern
	for _, p := range e.patterns {
		if p.PatternType != category {
			continue
		}
		if pool != "" && len(p.AffectedPools) > 0 && !p.TouchesPool(pool) {
			continue
		}
		if best == nil || strongerPattern(p, best) {
			best = p
		}
	}
	if best == nil {
		return domain.Pattern{}, false
	}
	return clonePattern(best), true
}

// Get returns one pattern by id.
func (e *Engine) Get(id string) (domain.Pattern, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.patterns[id]
	if !ok {
		return domain.Pattern{}, false
	}
	return clonePattern(p), true
}

// All returns every pattern, strongest first.
func (e *Engine) All() []domain.Pattern {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		out = append(out, clonePattern(p))
	}
	sort.Slice(out, func(i, j int) bool { return strongerPattern(&out[i], &out[j]) })
	return out
}

// Len returns the number of live patterns.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.patterns)
}

// PruneStale retires patterns whose confidence, decayed from the last
// reinforcement, has fallen below the floor. Stable patterns are
// exempt. The mirror memory is deleted with the pattern so the
// fingerprint can be re-promoted if the behavior returns.
func (e *Engine) PruneStale(ctx context.Context) (int, error) {
	now := e.clock.Now().UTC()

	e.mu.RLock()
	candidates := make([]domain.Pattern, 0)
	for _, p := range e.patterns {
		if p.Stable() {
			continue
		}
		ref := p.LastReinforcedAt
		if ref.IsZero() {
			ref = p.DiscoveredAt
		}
		ageDays := now.Sub(ref).Hours() / 24
		if ageDays <= 0 {
			continue
		}
		if p.Confidence*math.Exp(-ageDays/staleDecayDays) < staleFloor {
			candidates = append(candidates, clonePattern(p))
		}
	}
	e.mu.RUnlock()

	retired := 0
	for _, p := range candidates {
		if err := e.docs.DeleteDoc(ctx, storage.CollPatterns, p.ID); err != nil {
			e.log.Warn().Err(err).Str("pattern_id", p.ID).Msg("Failed to delete stale pattern")
			continue
		}
		if err := e.memories.Delete(ctx, p.ID); err != nil {
			e.log.Warn().Err(err).Str("pattern_id", p.ID).Msg("Failed to delete mirror pattern memory")
		}

		e.mu.Lock()
		delete(e.patterns, p.ID)
		if fp := memory.MetaString(p.Metadata, "fingerprint"); fp != "" && e.byFingerprint[fp] == p.ID {
			delete(e.byFingerprint, fp)
		}
		e.mu.Unlock()

		e.log.Info().Str("pattern_id", p.ID).Str("category", string(p.PatternType)).Msg("Stale pattern retired")
		retired++
	}
	return retired, nil
}

func (e *Engine) persist(ctx context.Context, p *domain.Pattern) error {
	doc, err := patternDoc(p)
	if err != nil {
		return err
	}
	return e.docs.PutDoc(ctx, storage.CollPatterns, p.ID, doc)
}

// strongerPattern is the tie-break order used whenever patterns
// compete: confidence, then occurrences, then recency.
func strongerPattern(a, b *domain.Pattern) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Occurrences != b.Occurrences {
		return a.Occurrences > b.Occurrences
	}
	return a.LastReinforcedAt.After(b.LastReinforcedAt)
}

func clonePattern(p *domain.Pattern) domain.Pattern {
	cp := *p
	cp.AffectedPools = append([]string(nil), p.AffectedPools...)
	cp.Metadata = make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}

func describeGroup(category domain.Category, group memory.PatternGroup, pools []string, hour int) string {
	pool := firstPool(pools)
	if pool == "" {
		pool = "multiple pools"
	}
	desc := fmt.Sprintf("%s on %s recurs around %02d:00 UTC (%d observations)",
		category, pool, hour, len(group.Memories))
	if apr, ok := memory.MetaFloat(group.Memories[0].Metadata, domain.MetaAPR); ok {
		desc = fmt.Sprintf("%s on %s near %.0f%% APR recurs around %02d:00 UTC (%d observations)",
			category, pool, math.Round(apr/5)*5, hour, len(group.Memories))
	}
	return desc
}

func affectedPools(memories []domain.Memory) []string {
	seen := make(map[string]bool)
	var pools []string
	for _, m := range memories {
		pool := memory.MetaString(m.Metadata, domain.MetaPool)
		if pool == "" || seen[pool] {
			continue
		}
		seen[pool] = true
		pools = append(pools, pool)
	}
	sort.Strings(pools)
	return pools
}

func firstPool(pools []string) string {
	if len(pools) == 0 {
		return ""
	}
	return pools[0]
}

func memoryIDs(memories []domain.Memory) []string {
	ids := make([]string, 0, len(memories))
	for _, m := range memories {
		ids = append(ids, m.ID)
	}
	return ids
}

// meanMetaFloat averages a numeric metadata field across memories,
// reporting false when no memory carries it.
func meanMetaFloat(memories []domain.Memory, key string) (float64, bool) {
	var sum float64
	n := 0
	for _, m := range memories {
		if v, ok := memory.MetaFloat(m.Metadata, key); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// patternDoc converts a pattern into a doc map, lifting the category
// and reinforcement time into indexed fields.
func patternDoc(p *domain.Pattern) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pattern %s: %w", p.ID, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to build pattern doc %s: %w", p.ID, err)
	}
	doc["category"] = string(p.PatternType)
	doc["timestamp"] = p.LastReinforcedAt.UTC().Format(time.RFC3339Nano)
	return doc, nil
}

func patternFromDoc(data map[string]any) (*domain.Pattern, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode pattern doc: %w", err)
	}
	var p domain.Pattern
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pattern doc: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("pattern doc missing id")
	}
	return &p, nil
}
