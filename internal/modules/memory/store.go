// Package memory stores and recalls the agent's long-term memories:
// observations, promoted patterns, outcomes, and error lessons. Semantic
// recall goes through a vector index, structured recall through the
// document store; both share the memory id, so either path reaches the
// same durable record.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/storage"
)

const (
	// confidenceDecayDays is the e-folding time of memory confidence:
	// an untouched memory loses ~63% confidence every 30 days.
	confidenceDecayDays = 30.0

	// pruneDeleteFloor is the decayed confidence below which a memory
	// is removed entirely.
	pruneDeleteFloor = 0.1

	// decisionRefWindow protects memories referenced by a decision made
	// within this window from decay.
	decisionRefWindow = 7 * 24 * time.Hour

	// Composite recall score weights: similarity dominates, confidence
	// breaks near-ties.
	similarityWeight = 0.7
	confidenceWeight = 0.3

	// recallOverfetch is how many extra vector hits are pulled per
	// requested result to leave room for metadata filtering.
	recallOverfetch = 4

	defaultRecallLimit = 10
)

// RecallFilters narrows a semantic recall. Zero values mean "no
// constraint".
type RecallFilters struct {
	Category      domain.Category
	Type          domain.MemoryType
	MaxAge        time.Duration
	MinConfidence float64
}

// PruneStats summarizes one pruning pass.
type PruneStats struct {
	Scanned int `json:"scanned"`
	Decayed int `json:"decayed"`
	Deleted int `json:"deleted"`
	Exempt  int `json:"exempt"`
}

// Store is the memory subsystem. It owns no state of its own beyond its
// collaborators, so it is safe for concurrent use as long as they are.
type Store struct {
	vectors  domain.VectorIndex
	docs     domain.DocStore
	embedder domain.Embedder
	clock    domain.Clock
	events   *events.Manager
	log      zerolog.Logger
}

// NewStore wires the memory store to its collaborators.
func NewStore(vectors domain.VectorIndex, docs domain.DocStore, embedder domain.Embedder, clock domain.Clock, eventMgr *events.Manager, log zerolog.Logger) *Store {
	return &Store{
		vectors:  vectors,
		docs:     docs,
		embedder: embedder,
		clock:    clock,
		events:   eventMgr,
		log:      log.With().Str("module", "memory").Logger(),
	}
}

// Remember validates, cleans, and stores one memory. Missing id, type,
// and timestamp are filled in; metadata is canonicalized and truncated
// to the size budget. The document write is authoritative: if it fails,
// the memory was not stored. Vector indexing is best effort — a failed
// embed or upsert only degrades semantic recall and is logged, not
// returned.
func (s *Store) Remember(ctx context.Context, mem domain.Memory) (domain.Memory, error) {
	if !mem.Category.Valid() {
		return domain.Memory{}, fmt.Errorf("unknown memory category %q", mem.Category)
	}
	if mem.Content == "" {
		return domain.Memory{}, fmt.Errorf("memory content is empty")
	}

	if mem.ID == "" {
		mem.ID = uuid.New().String()
	}
	if mem.Type == "" {
		mem.Type = domain.MemoryObservation
	}
	if mem.Timestamp.IsZero() {
		mem.Timestamp = s.clock.Now().UTC()
	} else {
		mem.Timestamp = mem.Timestamp.UTC()
	}
	mem.Confidence = clamp01(mem.Confidence)
	mem.Metadata = CleanMetadata(mem.Metadata)

	doc, err := memoryDoc(mem)
	if err != nil {
		return domain.Memory{}, err
	}
	if err := s.docs.PutDoc(ctx, storage.CollMemories, mem.ID, doc); err != nil {
		return domain.Memory{}, fmt.Errorf("failed to persist memory: %w", err)
	}

	s.indexMemory(ctx, mem)

	s.events.EmitTyped("memory", &events.MemoryStoredData{
		MemoryID: mem.ID,
		Category: string(mem.Category),
		Type:     string(mem.Type),
	})
	return mem, nil
}

// indexMemory embeds the content and upserts it into the vector index.
// The document is already durable when this runs, so failures leave
// structured recall intact and only cost a semantic hit.
func (s *Store) indexMemory(ctx context.Context, mem domain.Memory) {
	embs, err := s.embedder.Embed(ctx, []string{mem.Content})
	if err != nil || len(embs) == 0 {
		s.log.Warn().Err(err).Str("memory_id", mem.ID).Msg("Failed to embed memory, semantic recall will miss it")
		return
	}

	payload := map[string]any{
		"category":   string(mem.Category),
		"type":       string(mem.Type),
		"pool":       MetaString(mem.Metadata, domain.MetaPool),
		"confidence": mem.Confidence,
		"timestamp":  mem.Timestamp.Format(time.RFC3339Nano),
	}
	if err := s.vectors.Upsert(ctx, mem.ID, embs[0], payload); err != nil {
		s.log.Warn().Err(err).Str("memory_id", mem.ID).Msg("Failed to index memory vector")
	}
}

type scoredMemory struct {
	mem   domain.Memory
	score float64
}

// Recall runs a semantic search for the query text, hydrates the hits
// from the document store, applies the filters, and returns up to limit
// memories ordered by composite score (0.7·similarity + 0.3·confidence,
// descending). Returned memories have their recall counter bumped.
func (s *Store) Recall(ctx context.Context, query string, f RecallFilters, limit int) ([]domain.Memory, error) {
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	embs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(embs) == 0 {
		return nil, fmt.Errorf("failed to embed recall query: %w", err)
	}

	filter := domain.VectorFilter{Category: f.Category, Type: f.Type}
	hits, err := s.vectors.Search(ctx, embs[0], filter, limit*recallOverfetch)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	var cutoff time.Time
	if f.MaxAge > 0 {
		cutoff = s.clock.Now().UTC().Add(-f.MaxAge)
	}

	scored := make([]scoredMemory, 0, len(hits))
	for _, hit := range hits {
		data, err := s.docs.GetDoc(ctx, storage.CollMemories, hit.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("memory_id", hit.ID).Msg("Failed to hydrate recalled memory")
			continue
		}
		if data == nil {
			// Vector entry outlived its document; Prune will catch up.
			s.log.Debug().Str("memory_id", hit.ID).Msg("Skipping orphaned vector hit")
			continue
		}
		mem, err := memoryFromDoc(hit.ID, data)
		if err != nil {
			s.log.Warn().Err(err).Str("memory_id", hit.ID).Msg("Skipping unreadable memory")
			continue
		}

		if f.Category != "" && mem.Category != f.Category {
			continue
		}
		if f.Type != "" && mem.Type != f.Type {
			continue
		}
		if mem.Confidence < f.MinConfidence {
			continue
		}
		if !cutoff.IsZero() && mem.Timestamp.Before(cutoff) {
			continue
		}

		scored = append(scored, scoredMemory{
			mem:   mem,
			score: similarityWeight*hit.Score + confidenceWeight*mem.Confidence,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].mem.ID < scored[j].mem.ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	out := make([]domain.Memory, 0, len(scored))
	for _, sm := range scored {
		sm.mem.RecallCount++
		s.touchRecallCount(ctx, sm.mem)
		out = append(out, sm.mem)
	}
	return out, nil
}

// touchRecallCount persists the bumped recall counter. Best effort: a
// failed write only loses the counter bump.
func (s *Store) touchRecallCount(ctx context.Context, mem domain.Memory) {
	doc, err := memoryDoc(mem)
	if err == nil {
		err = s.docs.PutDoc(ctx, storage.CollMemories, mem.ID, doc)
	}
	if err != nil {
		s.log.Debug().Err(err).Str("memory_id", mem.ID).Msg("Failed to persist recall count")
	}
}

// RecallPoolMemories returns memories for one pool pair without going
// through the vector index. With a time window the result is
// chronological, telling the story oldest-first; without one it returns
// the most recent memories first.
func (s *Store) RecallPoolMemories(ctx context.Context, poolPair string, memType domain.MemoryType, window time.Duration, limit int) ([]domain.Memory, error) {
	q := domain.DocQuery{
		Equals:  map[string]any{"pool": poolPair},
		OrderBy: "-timestamp",
		Limit:   limit,
	}
	if memType != "" {
		q.Equals["type"] = string(memType)
	}
	if window > 0 {
		q.Since = s.clock.Now().UTC().Add(-window)
		q.OrderBy = "timestamp"
	}

	docs, err := s.docs.QueryDocs(ctx, storage.CollMemories, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query pool memories: %w", err)
	}
	return s.decodeDocs(docs), nil
}

// RecallCategory returns memories of one category since the cutoff,
// oldest first. A zero memType matches every type; a zero limit means
// no cap.
func (s *Store) RecallCategory(ctx context.Context, category domain.Category, memType domain.MemoryType, since time.Time, limit int) ([]domain.Memory, error) {
	q := domain.DocQuery{
		Equals:  map[string]any{"category": string(category)},
		Since:   since,
		OrderBy: "timestamp",
		Limit:   limit,
	}
	if memType != "" {
		q.Equals["type"] = string(memType)
	}

	docs, err := s.docs.QueryDocs(ctx, storage.CollMemories, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s memories: %w", category, err)
	}
	return s.decodeDocs(docs), nil
}

// Delete removes a memory from both backends. Used when a promoted
// pattern is retired together with its mirror memory.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.docs.DeleteDoc(ctx, storage.CollMemories, id); err != nil {
		return fmt.Errorf("failed to delete memory %s: %w", id, err)
	}
	if err := s.vectors.Delete(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("memory_id", id).Msg("Failed to remove memory vector")
	}
	return nil
}

// UpdateConfidence rewrites a stored memory's confidence in place,
// keeping the rest of the document untouched. Missing memories are not
// an error; there is nothing to update.
func (s *Store) UpdateConfidence(ctx context.Context, id string, confidence float64, occurrences int) error {
	data, err := s.docs.GetDoc(ctx, storage.CollMemories, id)
	if err != nil {
		return fmt.Errorf("failed to load memory %s: %w", id, err)
	}
	if data == nil {
		return nil
	}

	data["confidence"] = clamp01(confidence)
	if occurrences > 0 {
		md, _ := data["metadata"].(map[string]any)
		if md == nil {
			md = make(map[string]any)
		}
		md["occurrences"] = occurrences
		data["metadata"] = md
	}
	if err := s.docs.PutDoc(ctx, storage.CollMemories, id, data); err != nil {
		return fmt.Errorf("failed to update memory %s: %w", id, err)
	}
	return nil
}

// RememberPoolCorrelation stores a cross-pool correlation finding.
// Strength is the Pearson coefficient; its magnitude becomes the
// memory's confidence.
func (s *Store) RememberPoolCorrelation(ctx context.Context, poolA, poolB, correlationType string, strength float64) (domain.Memory, error) {
	return s.Remember(ctx, domain.Memory{
		Type:       domain.MemoryObservation,
		Category:   domain.CategoryCrossPoolCorrelation,
		Content:    fmt.Sprintf("Pools %s and %s show %s correlation (r=%.3f)", poolA, poolB, correlationType, strength),
		Confidence: clamp01(math.Abs(strength)),
		Metadata: map[string]any{
			domain.MetaPool:    poolA,
			"pool_b":           poolB,
			"correlation_type": correlationType,
			"strength":         strength,
		},
	})
}

// GetPoolTimeline returns the pool's behavior memories over the last
// hours, oldest first. Zero hours means the full history.
func (s *Store) GetPoolTimeline(ctx context.Context, poolPair string, hours int) ([]domain.Memory, error) {
	q := domain.DocQuery{
		Equals: map[string]any{
			"pool":     poolPair,
			"category": string(domain.CategoryPoolBehavior),
		},
		OrderBy: "timestamp",
	}
	if hours > 0 {
		q.Since = s.clock.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	}

	docs, err := s.docs.QueryDocs(ctx, storage.CollMemories, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query pool timeline: %w", err)
	}
	return s.decodeDocs(docs), nil
}

// Prune decays memory confidence and deletes what has faded below the
// floor. Decay spans the time since the last prune touched the memory
// (its creation when never touched), so running daily or after a gap
// yields the same cumulative exp(−age/30) decay. Stable patterns and
// memories referenced by a recent decision are left untouched.
func (s *Store) Prune(ctx context.Context) (PruneStats, error) {
	var stats PruneStats
	now := s.clock.Now().UTC()

	protected, err := s.recentDecisionRefs(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("failed to load recent decision references: %w", err)
	}

	docs, err := s.docs.QueryDocs(ctx, storage.CollMemories, domain.DocQuery{})
	if err != nil {
		return stats, fmt.Errorf("failed to scan memories for pruning: %w", err)
	}

	for _, doc := range docs {
		stats.Scanned++

		if s.pruneExempt(doc, protected) {
			stats.Exempt++
			continue
		}

		conf, ok := docFloat(doc.Data["confidence"])
		if !ok {
			continue
		}
		checkpoint, ok := docTime(doc.Data["timestamp"])
		if !ok {
			continue
		}
		if t, ok := docTime(doc.Data["decayed_at"]); ok && t.After(checkpoint) {
			checkpoint = t
		}

		ageDays := now.Sub(checkpoint).Hours() / 24
		if ageDays <= 0 {
			continue
		}

		decayed := conf * math.Exp(-ageDays/confidenceDecayDays)
		if decayed < pruneDeleteFloor {
			if err := s.docs.DeleteDoc(ctx, storage.CollMemories, doc.ID); err != nil {
				s.log.Warn().Err(err).Str("memory_id", doc.ID).Msg("Failed to delete pruned memory")
				continue
			}
			if err := s.vectors.Delete(ctx, doc.ID); err != nil {
				s.log.Warn().Err(err).Str("memory_id", doc.ID).Msg("Failed to remove pruned memory vector")
			}
			stats.Deleted++
			continue
		}

		doc.Data["confidence"] = decayed
		doc.Data["decayed_at"] = now.Format(time.RFC3339Nano)
		if err := s.docs.PutDoc(ctx, storage.CollMemories, doc.ID, doc.Data); err != nil {
			s.log.Warn().Err(err).Str("memory_id", doc.ID).Msg("Failed to persist decayed confidence")
			continue
		}
		stats.Decayed++
	}

	s.log.Info().
		Int("scanned", stats.Scanned).
		Int("decayed", stats.Decayed).
		Int("deleted", stats.Deleted).
		Int("exempt", stats.Exempt).
		Msg("Memory pruning complete")
	return stats, nil
}

// pruneExempt reports whether decay skips this memory: stable pattern
// memories and memories referenced by a recent decision keep their
// confidence.
func (s *Store) pruneExempt(doc domain.Doc, protected map[string]bool) bool {
	if protected[doc.ID] {
		return true
	}
	if fmt.Sprint(doc.Data["type"]) != string(domain.MemoryPattern) {
		return false
	}
	md, _ := doc.Data["metadata"].(map[string]any)
	occ, ok := MetaInt(md, "occurrences")
	return ok && occ >= domain.StablePatternOccurrences
}

// recentDecisionRefs collects the memory/pattern ids referenced by
// decisions made within the protection window.
func (s *Store) recentDecisionRefs(ctx context.Context, now time.Time) (map[string]bool, error) {
	docs, err := s.docs.QueryDocs(ctx, storage.CollDecisions, domain.DocQuery{
		Since: now.Add(-decisionRefWindow),
	})
	if err != nil {
		return nil, err
	}

	refs := make(map[string]bool)
	for _, d := range docs {
		for _, id := range stringValues(d.Data["pattern_refs"]) {
			refs[id] = true
		}
	}
	return refs, nil
}

// decodeDocs converts query results into memories, skipping unreadable
// documents with a warning.
func (s *Store) decodeDocs(docs []domain.Doc) []domain.Memory {
	out := make([]domain.Memory, 0, len(docs))
	for _, doc := range docs {
		mem, err := memoryFromDoc(doc.ID, doc.Data)
		if err != nil {
			s.log.Warn().Err(err).Str("memory_id", doc.ID).Msg("Skipping unreadable memory")
			continue
		}
		out = append(out, mem)
	}
	return out
}

// memoryDoc converts a memory into a doc map. Going through JSON keeps
// times as canonical strings, which the doc store indexes and msgpack
// round-trips without loss. The pool pair is lifted to a top-level
// field so structured queries can filter on it.
func memoryDoc(mem domain.Memory) (map[string]any, error) {
	raw, err := json.Marshal(mem)
	if err != nil {
		return nil, fmt.Errorf("failed to encode memory %s: %w", mem.ID, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to build memory doc %s: %w", mem.ID, err)
	}
	if pool := MetaString(mem.Metadata, domain.MetaPool); pool != "" {
		doc["pool"] = pool
	}
	return doc, nil
}

func memoryFromDoc(id string, data map[string]any) (domain.Memory, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.Memory{}, fmt.Errorf("failed to re-encode memory doc: %w", err)
	}
	var mem domain.Memory
	if err := json.Unmarshal(raw, &mem); err != nil {
		return domain.Memory{}, fmt.Errorf("failed to decode memory doc: %w", err)
	}
	if mem.Category == "" {
		return domain.Memory{}, fmt.Errorf("memory doc missing category")
	}
	if mem.ID == "" {
		mem.ID = id
	}
	return mem, nil
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func docFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	case uint64:
		return float64(f), true
	default:
		return 0, false
	}
}

func docTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed.UTC(), true
	default:
		return time.Time{}, false
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
