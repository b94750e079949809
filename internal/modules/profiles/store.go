package profiles

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/storage"
)

// persistFailureGrace is how long consecutive flush failures are
// tolerated before Flush surfaces an error instead of retrying quietly.
const persistFailureGrace = 24 * time.Hour

// Store holds every pool profile in memory, loads them at startup, and
// persists dirty ones in batches. Written only by the cognitive loop;
// read concurrently through cloned snapshots.
type Store struct {
	docs         domain.DocStore
	log          zerolog.Logger
	profiles     map[string]*Profile
	dirty        map[string]bool
	failingSince time.Time
	mu           sync.RWMutex
}

// NewStore creates an empty profile store backed by the doc store.
func NewStore(docs domain.DocStore, log zerolog.Logger) *Store {
	return &Store{
		docs:     docs,
		log:      log.With().Str("module", "profiles").Logger(),
		profiles: make(map[string]*Profile),
		dirty:    make(map[string]bool),
	}
}

// LoadAll restores every persisted profile. Called once at startup.
func (s *Store) LoadAll(ctx context.Context) error {
	docs, err := s.docs.QueryDocs(ctx, storage.CollPoolProfiles, domain.DocQuery{})
	if err != nil {
		return fmt.Errorf("failed to load pool profiles: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		p, err := profileFromDoc(doc.Data)
		if err != nil {
			s.log.Warn().Err(err).Str("pool_id", doc.ID).Msg("Skipping unreadable pool profile")
			continue
		}
		s.profiles[p.PoolID] = p
	}

	s.log.Info().Int("profiles", len(s.profiles)).Msg("Pool profiles loaded")
	return nil
}

// Update folds one metric into its pool's profile, creating the profile
// on first sight, and returns a snapshot plus any anomalies the sample
// triggered. The profile is marked dirty for the next Flush.
func (s *Store) Update(m domain.PoolMetric) (Profile, []Anomaly) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[m.PoolID]
	if !ok {
		p = newProfile(m)
		s.profiles[m.PoolID] = p
		s.log.Debug().Str("pool", p.Pair).Msg("New pool profile")
	}

	anomalies := p.update(m)
	s.dirty[m.PoolID] = true

	return p.clone(), anomalies
}

// Get returns a snapshot of one profile by pool id.
func (s *Store) Get(poolID string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[poolID]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

// All returns snapshots of every profile, ordered by pair for stable
// output.
func (s *Store) All() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// Len returns the number of tracked pools.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}

// DirtyCount returns how many profiles await persistence.
func (s *Store) DirtyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty)
}

// Flush persists every dirty profile. A profile that fails to write
// stays dirty and is retried on the next Flush; the error is only
// surfaced after persistFailureGrace of consecutive full failures, so a
// transient storage hiccup never stalls the loop.
func (s *Store) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	snapshots := make(map[string]Profile, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			snapshots[id] = p.clone()
		}
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	sort.Strings(ids)

	flushed := 0
	var lastErr error
	for _, id := range ids {
		p, ok := snapshots[id]
		if !ok {
			continue
		}
		doc, err := profileDoc(&p)
		if err == nil {
			err = s.docs.PutDoc(ctx, storage.CollPoolProfiles, id, doc)
		}
		if err != nil {
			lastErr = err
			s.log.Warn().Err(err).Str("pool", p.Pair).Msg("Pool profile write failed, keeping dirty")
			continue
		}

		flushed++
		s.mu.Lock()
		delete(s.dirty, id)
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if flushed > 0 || lastErr == nil {
		s.failingSince = time.Time{}
		return flushed, nil
	}
	if s.failingSince.IsZero() {
		s.failingSince = time.Now().UTC()
		return flushed, nil
	}
	if time.Since(s.failingSince) > persistFailureGrace {
		return flushed, fmt.Errorf("pool profile persistence failing since %s: %w",
			s.failingSince.Format(time.RFC3339), lastErr)
	}
	return flushed, nil
}

// profileDoc converts a profile into a doc map. Going through JSON keeps
// decimals and times as canonical strings, which the doc store indexes
// and msgpack round-trips without loss.
func profileDoc(p *Profile) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile %s: %w", p.PoolID, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to build profile doc %s: %w", p.PoolID, err)
	}
	return doc, nil
}

func profileFromDoc(data map[string]any) (*Profile, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode profile doc: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile doc: %w", err)
	}
	if p.PoolID == "" {
		return nil, fmt.Errorf("profile doc missing pool_id")
	}
	return &p, nil
}
