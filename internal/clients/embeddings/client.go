// Package embeddings turns memory text into vectors. Two implementations
// share the contract: a remote OpenAI-compatible client and a local
// hashing embedder used when no API key is configured. Vectors from
// different embedders are not comparable, so the choice is made once at
// startup and never per call.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aristath/forager/internal/domain"
	"github.com/rs/zerolog"
)

const (
	batchSize   = 64
	httpTimeout = 25 * time.Second

	// LocalDim is the hashing embedder's vector size.
	LocalDim = 384
)

// modelDims maps known embedding models to their vector sizes, so the
// vector collection can be created before the first remote call.
var modelDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// Client calls an OpenAI-compatible /embeddings endpoint.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	dim        int
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a remote embeddings client.
func NewClient(baseURL, model, apiKey string, log zerolog.Logger) *Client {
	dim, ok := modelDims[model]
	if !ok {
		dim = 1536
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/embeddings",
		model:    model,
		apiKey:   apiKey,
		dim:      dim,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
		log: log.With().Str("component", "embeddings").Logger(),
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed returns one L2-normalized vector per input text, preserving
// order. Inputs are batched to stay under the endpoint's request limits.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}

	if len(out) != len(texts) {
		return nil, domain.Errorf(domain.KindTransient, "embeddings count mismatch: %d != %d", len(out), len(texts))
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, domain.WrapError(domain.KindInvariant, err, "failed to marshal embeddings request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapError(domain.KindInvariant, err, "failed to build embeddings request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.WrapError(domain.KindTimeout, err, "embeddings call timed out")
		}
		return nil, domain.WrapError(domain.KindTransient, err, "embeddings request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapError(domain.KindTransient, err, "failed to read embeddings response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.Errorf(domain.KindRateLimited, "embeddings endpoint rate limited")
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, domain.Errorf(domain.KindConfig, "embeddings API key rejected")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, domain.Errorf(domain.KindTransient, "embeddings endpoint returned status %d", resp.StatusCode)
	}

	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.WrapError(domain.KindTransient, err, "failed to decode embeddings response")
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, domain.Errorf(domain.KindTransient, "embeddings error: %s", parsed.Error.Message)
	}

	sort.SliceStable(parsed.Data, func(i, j int) bool {
		return parsed.Data[i].Index < parsed.Data[j].Index
	})

	out := make([][]float32, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		normalize(vec)
		out = append(out, vec)
	}
	if len(out) != len(texts) {
		return nil, domain.Errorf(domain.KindTransient, "embeddings batch mismatch: %d != %d", len(out), len(texts))
	}

	if len(out) > 0 && len(out[0]) > 0 {
		c.dim = len(out[0])
	}
	return out, nil
}

// Dim returns the vector size for this model.
func (c *Client) Dim() int {
	return c.dim
}

// Local is a deterministic hashing embedder. It needs no network and no
// key; recall quality is lexical rather than semantic, which is enough
// for the structured observation texts the agent writes.
type Local struct {
	dim int
}

// NewLocal creates a hashing embedder. dim <= 0 selects LocalDim.
func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = LocalDim
	}
	return &Local{dim: dim}
}

// Embed hashes word tokens into signed buckets and L2-normalizes.
func (l *Local) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec := make([]float32, l.dim)
		for _, tok := range tokenize(text) {
			h := hashToken(tok)
			idx := int(h % uint64(l.dim))
			sign := float32(1.0)
			if (h>>63)&1 == 1 {
				sign = -1.0
			}
			vec[idx] += sign
		}
		normalize(vec)
		out = append(out, vec)
	}
	return out, nil
}

// Dim returns the configured vector size.
func (l *Local) Dim() int {
	return l.dim
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,:;!?()[]{}\"'")
		if len(f) < 2 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// hashToken is FNV-1a 64-bit.
func hashToken(token string) uint64 {
	const (
		offset uint64 = 1469598103934665603
		prime  uint64 = 1099511628211
	)
	h := offset
	for i := 0; i < len(token); i++ {
		h ^= uint64(token[i])
		h *= prime
	}
	return h
}

func normalize(vec []float32) {
	sum := 0.0
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum <= 0 {
		return
	}
	inv := 1.0 / math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = float32(float64(v) * inv)
	}
}

var (
	_ domain.Embedder = (*Client)(nil)
	_ domain.Embedder = (*Local)(nil)
)
