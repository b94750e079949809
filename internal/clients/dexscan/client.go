// Package dexscan implements the market provider contract against a DEX
// indexer's REST and WebSocket APIs. The client owns transport and payload
// mapping only; rate limiting, retries, and TVL conversion live in the
// gateway.
package dexscan

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aristath/forager/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const httpTimeout = 30 * time.Second

// poolPayload is the indexer's pool record. USD fields arrive as JSON
// strings to keep full precision.
type poolPayload struct {
	PoolID       string                     `json:"pool_id"`
	Token0       string                     `json:"token0"`
	Token1       string                     `json:"token1"`
	Stable       bool                       `json:"stable"`
	APRTotal     float64                    `json:"apr_total"`
	APRFee       float64                    `json:"apr_fee"`
	APRIncentive float64                    `json:"apr_incentive"`
	TVLUSD       decimal.Decimal            `json:"tvl_usd"`
	Volume24hUSD decimal.Decimal            `json:"volume_24h_usd"`
	Reserves     map[string]decimal.Decimal `json:"reserves,omitempty"`
	GasPriceGwei float64                    `json:"gas_price_gwei"`
	Timestamp    int64                      `json:"timestamp"` // unix seconds
}

type searchResponse struct {
	Pools []poolPayload `json:"pools"`
}

type quotePayload struct {
	AmountOut        decimal.Decimal `json:"amount_out"`
	PriceImpact      float64         `json:"price_impact"`
	Route            []string        `json:"route"`
	EstimatedGasGwei float64         `json:"estimated_gas_gwei"`
}

type gasPayload struct {
	Gwei      float64         `json:"gwei"`
	NativeUSD decimal.Decimal `json:"native_usd"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Client is the REST half of the provider. It satisfies
// domain.MarketProvider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	feed       *Feed
	log        zerolog.Logger
}

// NewClient creates a dexscan REST client. apiKey is optional.
func NewClient(baseURL, apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
		log: log.With().Str("component", "dexscan").Logger(),
	}
}

// AttachFeed lets GetGasPrice serve from a live WebSocket tick when one
// is fresh, saving a REST round trip per cycle.
func (c *Client) AttachFeed(feed *Feed) {
	c.feed = feed
}

// SearchOpportunities returns pools meeting the thresholds, in the
// indexer's ranking order.
func (c *Client) SearchOpportunities(ctx context.Context, minAPR float64, minVolume24h decimal.Decimal, limit int) ([]domain.PoolMetric, error) {
	q := url.Values{}
	q.Set("min_apr", strconv.FormatFloat(minAPR, 'f', -1, 64))
	q.Set("min_volume_24h", minVolume24h.String())
	q.Set("limit", strconv.Itoa(limit))

	var resp searchResponse
	if err := c.get(ctx, "/v1/pools", q, &resp); err != nil {
		return nil, err
	}

	metrics := make([]domain.PoolMetric, 0, len(resp.Pools))
	for _, p := range resp.Pools {
		metrics = append(metrics, toMetric(p))
	}
	c.log.Debug().Int("count", len(metrics)).Msg("Search returned pools")
	return metrics, nil
}

// GetPoolMetrics returns the current sample for one pool.
func (c *Client) GetPoolMetrics(ctx context.Context, poolID string) (domain.PoolMetric, error) {
	var p poolPayload
	if err := c.get(ctx, "/v1/pools/"+url.PathEscape(poolID), nil, &p); err != nil {
		return domain.PoolMetric{}, err
	}
	return toMetric(p), nil
}

// GetSwapQuote prices a swap for profitability checks.
func (c *Client) GetSwapQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (domain.Quote, error) {
	q := url.Values{}
	q.Set("token_in", tokenIn)
	q.Set("token_out", tokenOut)
	q.Set("amount_in", amountIn.String())

	var p quotePayload
	if err := c.get(ctx, "/v1/quote", q, &p); err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{
		AmountOut:        p.AmountOut,
		PriceImpact:      p.PriceImpact,
		Route:            p.Route,
		EstimatedGasGwei: p.EstimatedGasGwei,
	}, nil
}

// GetGasPrice returns the chain's current gas quote, preferring a fresh
// WebSocket tick over a REST call.
func (c *Client) GetGasPrice(ctx context.Context, chain string) (domain.GasPrice, error) {
	if c.feed != nil {
		if gp, ok := c.feed.GasPrice(); ok {
			c.log.Debug().Float64("gwei", gp.Gwei).Msg("Serving gas price from feed")
			return gp, nil
		}
	}

	q := url.Values{}
	q.Set("chain", chain)

	var p gasPayload
	if err := c.get(ctx, "/v1/gas", q, &p); err != nil {
		return domain.GasPrice{}, err
	}
	return domain.GasPrice{Gwei: p.Gwei, NativeUSD: p.NativeUSD}, nil
}

// get performs a GET against the indexer and decodes the JSON body,
// classifying failures into the domain error taxonomy.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.WrapError(domain.KindInvariant, err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.WrapError(domain.KindTimeout, err, "provider call timed out")
		}
		return domain.WrapError(domain.KindTransient, err, "provider request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.WrapError(domain.KindTransient, err, "failed to decode provider response")
	}
	return nil
}

// classifyStatus maps HTTP failure statuses onto error kinds: 429 is
// rate limiting, other 4xx are structural (bad pool id, bad args), and
// everything else is transient.
func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := errorDetail(body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.Errorf(domain.KindRateLimited, "provider rate limited: %s", detail)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return domain.Errorf(domain.KindInvariant, "provider rejected request: status %d: %s", resp.StatusCode, detail)
	default:
		return domain.Errorf(domain.KindTransient, "provider error: status %d: %s", resp.StatusCode, detail)
	}
}

// errorDetail extracts the error field from a JSON error body, falling
// back to the raw text.
func errorDetail(body []byte) string {
	var p errorPayload
	if err := json.Unmarshal(body, &p); err == nil && p.Error != "" {
		return p.Error
	}
	return string(body)
}

func toMetric(p poolPayload) domain.PoolMetric {
	m := domain.PoolMetric{
		PoolID:       p.PoolID,
		Token0:       p.Token0,
		Token1:       p.Token1,
		Stable:       p.Stable,
		APRTotal:     p.APRTotal,
		APRFee:       p.APRFee,
		APRIncentive: p.APRIncentive,
		TVLUSD:       p.TVLUSD,
		Volume24hUSD: p.Volume24hUSD,
		Reserves:     p.Reserves,
		GasPriceGwei: p.GasPriceGwei,
	}
	if p.Timestamp > 0 {
		m.Timestamp = time.Unix(p.Timestamp, 0).UTC()
	}
	return m
}

var _ domain.MarketProvider = (*Client)(nil)
