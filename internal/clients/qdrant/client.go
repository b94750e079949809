// Package qdrant implements the vector index contract against a Qdrant
// collection over its REST API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aristath/forager/internal/domain"
	"github.com/rs/zerolog"
)

const httpTimeout = 5 * time.Second

// Client talks to one Qdrant collection. Point ids are the memory uuids.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a Qdrant REST client for the given collection.
func NewClient(baseURL, collection string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		collection: collection,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
		log: log.With().Str("component", "qdrant").Logger(),
	}
}

type vectorsConfig struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

type createCollectionRequest struct {
	Vectors vectorsConfig `json:"vectors"`
}

type upsertRequest struct {
	Points []point `json:"points"`
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

type searchRequest struct {
	Vector      []float32    `json:"vector"`
	Limit       int          `json:"limit"`
	WithPayload bool         `json:"with_payload"`
	Filter      *queryFilter `json:"filter,omitempty"`
}

type queryFilter struct {
	Must []matchClause `json:"must"`
}

type matchClause struct {
	Key   string     `json:"key"`
	Match matchValue `json:"match"`
}

type matchValue struct {
	Value any `json:"value"`
}

type deleteRequest struct {
	Points []string `json:"points"`
}

type searchResult struct {
	Result []struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
	Status any `json:"status"`
}

type statusEnvelope struct {
	Status any `json:"status"`
}

// EnsureCollection creates the collection with a cosine-distance vector
// config when it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context, dim int) error {
	code, _, err := c.do(ctx, http.MethodGet, c.collectionPath(), nil)
	if err != nil {
		return err
	}
	if code == http.StatusOK {
		return nil
	}
	if code != http.StatusNotFound {
		return domain.Errorf(domain.KindTransient, "qdrant collection check returned status %d", code)
	}

	body := createCollectionRequest{
		Vectors: vectorsConfig{Size: dim, Distance: "Cosine"},
	}
	code, raw, err := c.do(ctx, http.MethodPut, c.collectionPath(), body)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return domain.Errorf(domain.KindTransient, "failed to create qdrant collection: status %d: %s", code, string(raw))
	}

	c.log.Info().Str("collection", c.collection).Int("dim", dim).Msg("Created vector collection")
	return nil
}

// Upsert writes or replaces one point.
func (c *Client) Upsert(ctx context.Context, id string, embedding []float32, payload map[string]any) error {
	body := upsertRequest{
		Points: []point{{ID: id, Vector: embedding, Payload: payload}},
	}
	code, raw, err := c.do(ctx, http.MethodPut, c.collectionPath()+"/points?wait=true", body)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return classify(code, raw, "qdrant upsert")
	}
	return nil
}

// Search runs a cosine similarity query, optionally constrained by the
// indexed payload fields. Scores below zero are clamped; the contract
// promises [0,1].
func (c *Client) Search(ctx context.Context, embedding []float32, filter domain.VectorFilter, k int) ([]domain.VectorHit, error) {
	req := searchRequest{
		Vector:      embedding,
		Limit:       k,
		WithPayload: true,
	}
	if clauses := filterClauses(filter); len(clauses) > 0 {
		req.Filter = &queryFilter{Must: clauses}
	}

	code, raw, err := c.do(ctx, http.MethodPost, c.collectionPath()+"/points/search", req)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, classify(code, raw, "qdrant search")
	}

	var parsed searchResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.WrapError(domain.KindTransient, err, "failed to decode qdrant search response")
	}

	hits := make([]domain.VectorHit, 0, len(parsed.Result))
	for _, r := range parsed.Result {
		score := r.Score
		if score < 0 {
			score = 0
		}
		hits = append(hits, domain.VectorHit{
			ID:      fmt.Sprint(r.ID),
			Score:   score,
			Payload: r.Payload,
		})
	}
	return hits, nil
}

// Delete removes a point. Deleting an unknown id is not an error.
func (c *Client) Delete(ctx context.Context, id string) error {
	body := deleteRequest{Points: []string{id}}
	code, raw, err := c.do(ctx, http.MethodPost, c.collectionPath()+"/points/delete?wait=true", body)
	if err != nil {
		return err
	}
	if code != http.StatusOK && code != http.StatusNotFound {
		return classify(code, raw, "qdrant delete")
	}
	return nil
}

func (c *Client) collectionPath() string {
	return "/collections/" + c.collection
}

// do sends one request and returns the status code with the raw body.
// Transport failures are classified; status handling is the caller's.
func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, domain.WrapError(domain.KindInvariant, err, "failed to marshal qdrant request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, domain.WrapError(domain.KindInvariant, err, "failed to build qdrant request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, domain.WrapError(domain.KindTimeout, err, "qdrant call timed out")
		}
		return 0, nil, domain.WrapError(domain.KindTransient, err, "qdrant request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, domain.WrapError(domain.KindTransient, err, "failed to read qdrant response")
	}
	return resp.StatusCode, raw, nil
}

func filterClauses(filter domain.VectorFilter) []matchClause {
	var clauses []matchClause
	if filter.Category != "" {
		clauses = append(clauses, matchClause{Key: "category", Match: matchValue{Value: string(filter.Category)}})
	}
	if filter.Type != "" {
		clauses = append(clauses, matchClause{Key: "type", Match: matchValue{Value: string(filter.Type)}})
	}
	return clauses
}

func classify(code int, raw []byte, op string) error {
	switch {
	case code == http.StatusTooManyRequests:
		return domain.Errorf(domain.KindRateLimited, "%s rate limited", op)
	case code >= 400 && code < 500:
		return domain.Errorf(domain.KindInvariant, "%s rejected: status %d: %s", op, code, string(raw))
	default:
		return domain.Errorf(domain.KindTransient, "%s failed: status %d: %s", op, code, string(raw))
	}
}

var _ domain.VectorIndex = (*Client)(nil)
