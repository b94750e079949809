package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MarketProvider is the wire contract to the external market-data
// provider. Implementations own transport, authentication, and payload
// mapping; the gateway owns rate limiting, retries, and TVL conversion.
type MarketProvider interface {
	// SearchOpportunities returns pools meeting the minimum thresholds,
	// in the provider's internal ranking order.
	SearchOpportunities(ctx context.Context, minAPR float64, minVolume24h decimal.Decimal, limit int) ([]PoolMetric, error)

	// GetPoolMetrics returns the current metrics for one pool.
	GetPoolMetrics(ctx context.Context, poolID string) (PoolMetric, error)

	// GetSwapQuote prices a swap for profitability checks.
	GetSwapQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (Quote, error)

	// GetGasPrice returns the chain's current gas quote.
	GetGasPrice(ctx context.Context, chain string) (GasPrice, error)
}

// Executor submits decisions for execution and exposes position
// snapshots. Submit must be idempotent per decision id: re-submitting a
// decision returns the recorded outcome of the first submission.
type Executor interface {
	Submit(ctx context.Context, decision Decision) (Outcome, error)
	Positions(ctx context.Context) ([]Position, error)
}

// VectorFilter narrows a vector search on indexed payload fields before
// scoring. Zero values mean "no constraint".
type VectorFilter struct {
	Category Category
	Type     MemoryType
}

// VectorHit is one semantic search result.
type VectorHit struct {
	Payload map[string]any
	ID      string
	Score   float64 // cosine similarity in [0,1]
}

// VectorIndex is the semantic recall backend (e.g. a Qdrant collection).
type VectorIndex interface {
	Upsert(ctx context.Context, id string, embedding []float32, payload map[string]any) error
	Search(ctx context.Context, embedding []float32, filter VectorFilter, k int) ([]VectorHit, error)
	Delete(ctx context.Context, id string) error
}

// Doc is one stored document with its id.
type Doc struct {
	Data map[string]any
	ID   string
}

// DocQuery filters a QueryDocs call. Equals matches indexed fields
// exactly; Since/Until bound the timestamp field; OrderBy accepts
// "timestamp", "-timestamp", and "-confidence"; Limit caps the result.
type DocQuery struct {
	Equals        map[string]any
	Since         time.Time
	Until         time.Time
	OrderBy       string
	MinConfidence float64
	Limit         int
}

// DocStore is the structured persistence backend. Collections follow the
// persisted state layout (agent_state, cycles, positions, pool_profiles,
// memories, patterns, decisions).
type DocStore interface {
	PutDoc(ctx context.Context, collection, id string, doc map[string]any) error
	GetDoc(ctx context.Context, collection, id string) (map[string]any, error)
	QueryDocs(ctx context.Context, collection string, q DocQuery) ([]Doc, error)
	DeleteDoc(ctx context.Context, collection, id string) error
}

// CompletionResult is an LLM completion with its accounted cost.
type CompletionResult struct {
	Text    string
	CostUSD decimal.Decimal
	Tokens  int
}

// LLM produces structured text from a structured prompt. Used only for
// decision rationales; every caller must work when Enabled is false.
type LLM interface {
	Complete(ctx context.Context, system, user string) (CompletionResult, error)
	Enabled() bool
}

// Embedder turns text into vectors for the VectorIndex.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Clock abstracts time for testability. Sleep returns early with the
// context error when the context is cancelled.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}
