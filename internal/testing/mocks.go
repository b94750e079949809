package testing

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/forager/internal/domain"
	"github.com/shopspring/decimal"
)

// MockMarketProvider is an in-memory implementation of domain.MarketProvider.
// Pools are keyed by pool id, quotes by "tokenIn/tokenOut".
type MockMarketProvider struct {
	mu          sync.RWMutex
	pools       map[string]domain.PoolMetric
	searchOrder []string
	quotes      map[string]domain.Quote
	gas         domain.GasPrice
	errs        map[string]error
	failures    map[string]int // remaining failures per method; -1 = always
	calls       map[string]int
}

// NewMockMarketProvider creates a new mock market provider.
func NewMockMarketProvider() *MockMarketProvider {
	return &MockMarketProvider{
		pools:    make(map[string]domain.PoolMetric),
		quotes:   make(map[string]domain.Quote),
		gas:      domain.GasPrice{Gwei: 20, NativeUSD: decimal.NewFromInt(2000)},
		errs:     make(map[string]error),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// SetPool registers a pool; search results preserve insertion order.
func (m *MockMarketProvider) SetPool(p domain.PoolMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[p.PoolID]; !ok {
		m.searchOrder = append(m.searchOrder, p.PoolID)
	}
	m.pools[p.PoolID] = p
}

// SetQuote registers a swap quote for a token pair.
func (m *MockMarketProvider) SetQuote(tokenIn, tokenOut string, q domain.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[tokenIn+"/"+tokenOut] = q
}

// SetGasPrice sets the gas quote returned by GetGasPrice.
func (m *MockMarketProvider) SetGasPrice(g domain.GasPrice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gas = g
}

// SetError makes the named method ("search", "metrics", "quote", "gas")
// return err. A nil err clears it.
func (m *MockMarketProvider) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		delete(m.failures, method)
		return
	}
	m.errs[method] = err
}

// FailTimes makes the named method return err for the next n calls, then
// succeed. Useful for retry tests.
func (m *MockMarketProvider) FailTimes(method string, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = err
	m.failures[method] = n
}

// Calls returns how many times the named method was invoked.
func (m *MockMarketProvider) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// nextError records the call and returns the configured error, honoring a
// FailTimes budget when one is set.
func (m *MockMarketProvider) nextError(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	err := m.errs[method]
	if err == nil {
		return nil
	}
	if n, limited := m.failures[method]; limited {
		if n <= 0 {
			return nil
		}
		m.failures[method] = n - 1
	}
	return err
}

// SearchOpportunities returns registered pools meeting the thresholds.
func (m *MockMarketProvider) SearchOpportunities(_ context.Context, minAPR float64, minVolume24h decimal.Decimal, limit int) ([]domain.PoolMetric, error) {
	if err := m.nextError("search"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PoolMetric, 0, limit)
	for _, id := range m.searchOrder {
		p := m.pools[id]
		if p.APRTotal < minAPR || p.Volume24hUSD.LessThan(minVolume24h) {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetPoolMetrics returns the registered pool or a not-found error.
func (m *MockMarketProvider) GetPoolMetrics(_ context.Context, poolID string) (domain.PoolMetric, error) {
	if err := m.nextError("metrics"); err != nil {
		return domain.PoolMetric{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[poolID]
	if !ok {
		return domain.PoolMetric{}, fmt.Errorf("pool %s not found", poolID)
	}
	return p, nil
}

// GetSwapQuote returns the registered quote for the pair.
func (m *MockMarketProvider) GetSwapQuote(_ context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (domain.Quote, error) {
	if err := m.nextError("quote"); err != nil {
		return domain.Quote{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[tokenIn+"/"+tokenOut]
	if !ok {
		// Default: 1:1 with negligible impact so callers don't have to
		// register quotes they don't care about.
		return domain.Quote{
			Route:     []string{tokenIn, tokenOut},
			AmountOut: amountIn,
		}, nil
	}
	return q, nil
}

// GetGasPrice returns the configured gas quote.
func (m *MockMarketProvider) GetGasPrice(_ context.Context, _ string) (domain.GasPrice, error) {
	if err := m.nextError("gas"); err != nil {
		return domain.GasPrice{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gas, nil
}

// MockExecutor is an in-memory implementation of domain.Executor.
// Submit is idempotent per decision id, like the real contract.
type MockExecutor struct {
	mu        sync.RWMutex
	positions []domain.Position
	outcomes  map[string]domain.Outcome
	submitted []domain.Decision
	outcomeFn func(domain.Decision) domain.Outcome
	err       error
}

// NewMockExecutor creates a new mock executor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		outcomes: make(map[string]domain.Outcome),
	}
}

// SetPositions sets the positions returned by Positions.
func (m *MockExecutor) SetPositions(positions []domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SetError makes Submit and Positions return err.
func (m *MockExecutor) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetOutcomeFn installs a hook that produces the outcome for a submission.
func (m *MockExecutor) SetOutcomeFn(fn func(domain.Decision) domain.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomeFn = fn
}

// Submitted returns all decisions passed to Submit, in order.
func (m *MockExecutor) Submitted() []domain.Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Decision, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// Submit records the decision and returns an executed outcome. Re-submitting
// a decision id returns the first recorded outcome without re-executing.
func (m *MockExecutor) Submit(_ context.Context, decision domain.Decision) (domain.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Outcome{}, m.err
	}
	if prev, ok := m.outcomes[decision.ID]; ok {
		return prev, nil
	}

	m.submitted = append(m.submitted, decision)
	outcome := domain.Outcome{
		DecisionID: decision.ID,
		Status:     domain.OutcomeExecuted,
		ExecutedAt: time.Now().UTC(),
	}
	if m.outcomeFn != nil {
		outcome = m.outcomeFn(decision)
		outcome.DecisionID = decision.ID
	}
	m.outcomes[decision.ID] = outcome
	return outcome, nil
}

// Positions returns the configured position snapshot.
func (m *MockExecutor) Positions(_ context.Context) ([]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]domain.Position, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

type vectorEntry struct {
	embedding []float32
	payload   map[string]any
}

// MockVectorIndex is an in-memory implementation of domain.VectorIndex
// with real cosine-similarity search.
type MockVectorIndex struct {
	mu      sync.RWMutex
	entries map[string]vectorEntry
	err     error
}

// NewMockVectorIndex creates a new mock vector index.
func NewMockVectorIndex() *MockVectorIndex {
	return &MockVectorIndex{
		entries: make(map[string]vectorEntry),
	}
}

// SetError makes all index operations return err.
func (m *MockVectorIndex) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Len returns the number of stored vectors.
func (m *MockVectorIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Has reports whether the id is present.
func (m *MockVectorIndex) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

// Upsert stores the embedding and payload under id.
func (m *MockVectorIndex) Upsert(_ context.Context, id string, embedding []float32, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	emb := make([]float32, len(embedding))
	copy(emb, embedding)
	m.entries[id] = vectorEntry{embedding: emb, payload: payload}
	return nil
}

// Search returns the k nearest stored vectors by cosine similarity,
// after applying the payload filter.
func (m *MockVectorIndex) Search(_ context.Context, embedding []float32, filter domain.VectorFilter, k int) ([]domain.VectorHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	hits := make([]domain.VectorHit, 0, len(m.entries))
	for id, e := range m.entries {
		if filter.Category != "" && fmt.Sprint(e.payload["category"]) != string(filter.Category) {
			continue
		}
		if filter.Type != "" && fmt.Sprint(e.payload["type"]) != string(filter.Type) {
			continue
		}
		hits = append(hits, domain.VectorHit{
			ID:      id,
			Score:   cosine(embedding, e.embedding),
			Payload: e.payload,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes the id from the index. Missing ids are not an error.
func (m *MockVectorIndex) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.entries, id)
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MockDocStore is an in-memory implementation of domain.DocStore with
// full DocQuery support.
type MockDocStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	err         error
}

// NewMockDocStore creates a new mock document store.
func NewMockDocStore() *MockDocStore {
	return &MockDocStore{
		collections: make(map[string]map[string]map[string]any),
	}
}

// SetError makes all store operations return err.
func (m *MockDocStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Count returns the number of docs in a collection.
func (m *MockDocStore) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

// PutDoc stores doc under collection/id, replacing any previous version.
func (m *MockDocStore) PutDoc(_ context.Context, collection, id string, doc map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		m.collections[collection] = coll
	}
	coll[id] = doc
	return nil
}

// GetDoc returns the doc or nil when absent.
func (m *MockDocStore) GetDoc(_ context.Context, collection, id string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	coll, ok := m.collections[collection]
	if !ok {
		return nil, nil
	}
	return coll[id], nil
}

// QueryDocs filters, orders, and truncates per the query.
func (m *MockDocStore) QueryDocs(_ context.Context, collection string, q domain.DocQuery) ([]domain.Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	out := make([]domain.Doc, 0)
	for id, data := range m.collections[collection] {
		if !matchesQuery(data, q) {
			continue
		}
		out = append(out, domain.Doc{ID: id, Data: data})
	}

	sortDocs(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// DeleteDoc removes the doc. Missing docs are not an error.
func (m *MockDocStore) DeleteDoc(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if coll, ok := m.collections[collection]; ok {
		delete(coll, id)
	}
	return nil
}

func matchesQuery(data map[string]any, q domain.DocQuery) bool {
	for k, want := range q.Equals {
		if !reflect.DeepEqual(data[k], want) {
			return false
		}
	}
	if !q.Since.IsZero() || !q.Until.IsZero() {
		ts, ok := docTime(data["timestamp"])
		if !ok {
			return false
		}
		if !q.Since.IsZero() && ts.Before(q.Since) {
			return false
		}
		if !q.Until.IsZero() && ts.After(q.Until) {
			return false
		}
	}
	if q.MinConfidence > 0 {
		conf, ok := docFloat(data["confidence"])
		if !ok || conf < q.MinConfidence {
			return false
		}
	}
	return true
}

func sortDocs(docs []domain.Doc, orderBy string) {
	switch orderBy {
	case "timestamp":
		sort.Slice(docs, func(i, j int) bool {
			ti, _ := docTime(docs[i].Data["timestamp"])
			tj, _ := docTime(docs[j].Data["timestamp"])
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return docs[i].ID < docs[j].ID
		})
	case "-timestamp":
		sort.Slice(docs, func(i, j int) bool {
			ti, _ := docTime(docs[i].Data["timestamp"])
			tj, _ := docTime(docs[j].Data["timestamp"])
			if !ti.Equal(tj) {
				return ti.After(tj)
			}
			return docs[i].ID < docs[j].ID
		})
	case "-confidence":
		sort.Slice(docs, func(i, j int) bool {
			ci, _ := docFloat(docs[i].Data["confidence"])
			cj, _ := docFloat(docs[j].Data["confidence"])
			if ci != cj {
				return ci > cj
			}
			return docs[i].ID < docs[j].ID
		})
	default:
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	}
}

func docTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
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
	default:
		return 0, false
	}
}

// MockLLM is a configurable implementation of domain.LLM that records
// every prompt it receives.
type MockLLM struct {
	mu       sync.RWMutex
	enabled  bool
	text     string
	cost     decimal.Decimal
	err      error
	systems  []string
	users    []string
	respond  func(system, user string) string
	perToken int
}

// NewMockLLM creates an enabled mock LLM returning text for every prompt.
func NewMockLLM(text string) *MockLLM {
	return &MockLLM{
		enabled:  true,
		text:     text,
		cost:     decimal.RequireFromString("0.003"),
		perToken: 4,
	}
}

// NewDisabledLLM creates a mock LLM with Enabled() == false.
func NewDisabledLLM() *MockLLM {
	return &MockLLM{}
}

// SetError makes Complete return err.
func (m *MockLLM) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetResponder installs a hook producing the completion text per prompt.
func (m *MockLLM) SetResponder(fn func(system, user string) string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = fn
}

// Prompts returns the recorded (system, user) prompt pairs.
func (m *MockLLM) Prompts() (systems, users []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.systems...), append([]string(nil), m.users...)
}

// Complete records the prompt and returns the configured completion.
func (m *MockLLM) Complete(_ context.Context, system, user string) (domain.CompletionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.CompletionResult{}, m.err
	}
	m.systems = append(m.systems, system)
	m.users = append(m.users, user)

	text := m.text
	if m.respond != nil {
		text = m.respond(system, user)
	}
	return domain.CompletionResult{
		Text:    text,
		CostUSD: m.cost,
		Tokens:  (len(system) + len(user) + len(text)) / m.perToken,
	}, nil
}

// Enabled reports whether the mock is configured as available.
func (m *MockLLM) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// MockEmbedder produces deterministic hash-bucket embeddings so similar
// texts map to similar vectors without a network call.
type MockEmbedder struct {
	dim int
	err error
	mu  sync.RWMutex
}

// NewMockEmbedder creates an embedder with the given dimension.
func NewMockEmbedder(dim int) *MockEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &MockEmbedder{dim: dim}
}

// SetError makes Embed return err.
func (m *MockEmbedder) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Embed hashes each whitespace token into a bucket and normalizes the counts.
func (m *MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.RLock()
	err := m.err
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, m.dim)
		for _, token := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(token))
			vec[int(h.Sum32())%m.dim]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= scale
			}
		}
		out[i] = vec
	}
	return out, nil
}

// Dim returns the embedding dimension.
func (m *MockEmbedder) Dim() int {
	return m.dim
}

// MockClock is a manually advanced implementation of domain.Clock.
// Sleep advances the clock instead of blocking, so tests run instantly.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewMockClock creates a clock frozen at the given instant.
func NewMockClock(at time.Time) *MockClock {
	return &MockClock{now: at.UTC()}
}

// Now returns the current mock time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set jumps the clock to a specific instant.
func (m *MockClock) Set(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = at.UTC()
}

// Sleeps returns every duration passed to Sleep.
func (m *MockClock) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.sleeps...)
}

// Sleep records the request, advances the clock, and returns immediately.
// A cancelled context still wins, matching the real clock's contract.
func (m *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleeps = append(m.sleeps, d)
	m.now = m.now.Add(d)
	return nil
}
