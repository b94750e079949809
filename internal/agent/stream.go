package agent

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/forager/internal/domain"
)

// DefaultStreamCapacity is the ring size for last-N decision queries.
const DefaultStreamCapacity = 256

// DecisionStream is the append-only decision feed exposed to observers.
// Published decisions are totally ordered by (cycle_number, seq), a
// decision id is never published twice, and a bounded ring keeps the
// most recent entries for late-joining readers. Subscribers receive
// fan-out copies on buffered channels; a subscriber that falls behind
// loses decisions rather than blocking the loop.
type DecisionStream struct {
	mu        sync.Mutex
	ring      []domain.Decision
	start     int // index of the oldest ring entry
	count     int // live entries in the ring
	published int64
	seen      map[string]bool
	lastCycle int64
	lastSeq   int
	subs      map[int]chan domain.Decision
	nextSub   int
	log       zerolog.Logger
}

// NewDecisionStream creates a stream keeping the last capacity decisions.
func NewDecisionStream(capacity int, log zerolog.Logger) *DecisionStream {
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	return &DecisionStream{
		ring: make([]domain.Decision, capacity),
		seen: make(map[string]bool),
		subs: make(map[int]chan domain.Decision),
		log:  log.With().Str("component", "decision_stream").Logger(),
	}
}

// Publish appends one decision and fans it out to subscribers. A
// repeated id or a (cycle, seq) pair that does not advance the stream
// is refused with an invariant error and nothing is published.
// Fan-out sends are non-blocking and happen under the stream lock, so
// an unsubscribe can never close a channel mid-send.
func (s *DecisionStream) Publish(d domain.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		return domain.NewError(domain.KindInvariant, "decision has no id")
	}
	if s.seen[d.ID] {
		return domain.Errorf(domain.KindInvariant, "decision %s already published", d.ID)
	}
	if s.published > 0 {
		if d.CycleNumber < s.lastCycle ||
			(d.CycleNumber == s.lastCycle && d.Seq <= s.lastSeq) {
			return domain.Errorf(domain.KindInvariant,
				"decision %s ordering (%d,%d) does not advance the stream past (%d,%d)",
				d.ID, d.CycleNumber, d.Seq, s.lastCycle, s.lastSeq)
		}
	}

	s.seen[d.ID] = true
	s.lastCycle = d.CycleNumber
	s.lastSeq = d.Seq
	s.published++

	idx := (s.start + s.count) % len(s.ring)
	s.ring[idx] = d
	if s.count < len(s.ring) {
		s.count++
	} else {
		s.start = (s.start + 1) % len(s.ring)
	}

	for id, ch := range s.subs {
		select {
		case ch <- d:
		default:
			s.log.Warn().
				Int("subscriber", id).
				Str("decision", d.ID).
				Msg("Subscriber buffer full, dropping decision")
		}
	}
	return nil
}

// Recent returns up to n most recent decisions in publication order.
// n <= 0 returns everything the ring still holds.
func (s *DecisionStream) Recent(n int) []domain.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]domain.Decision, 0, n)
	for i := s.count - n; i < s.count; i++ {
		out = append(out, s.ring[(s.start+i)%len(s.ring)])
	}
	return out
}

// Published returns the total number of decisions ever published.
func (s *DecisionStream) Published() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// Subscribe registers a fan-out channel with the given buffer and
// returns it with an unsubscribe function. After unsubscribe the
// channel is closed and receives nothing further.
func (s *DecisionStream) Subscribe(buffer int) (<-chan domain.Decision, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.Decision, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}
