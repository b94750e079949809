package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/aristath/forager/internal/domain"
	"github.com/rs/zerolog"
)

// submitTimeout leaves headroom over the loop's own 60 s deadline so the
// context, not the transport, decides cancellation.
const submitTimeout = 65 * time.Second

// HTTP submits decisions to an external wallet/executor service. The
// decision id doubles as the idempotency key; the service is expected to
// replay the recorded outcome for a repeated id.
type HTTP struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHTTP creates an executor client for the given service URL.
func NewHTTP(baseURL string, log zerolog.Logger) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: submitTimeout,
		},
		log: log.With().Str("component", "http_executor").Logger(),
	}
}

// Submit posts one decision and decodes the outcome.
func (h *HTTP) Submit(ctx context.Context, decision domain.Decision) (domain.Outcome, error) {
	body, err := json.Marshal(decision)
	if err != nil {
		return domain.Outcome{}, domain.WrapError(domain.KindInvariant, err, "failed to marshal decision")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/decisions", bytes.NewReader(body))
	if err != nil {
		return domain.Outcome{}, domain.WrapError(domain.KindInvariant, err, "failed to build submit request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", decision.ID)

	raw, err := h.do(req)
	if err != nil {
		return domain.Outcome{}, err
	}

	var outcome domain.Outcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return domain.Outcome{}, domain.WrapError(domain.KindTransient, err, "failed to decode outcome")
	}
	if outcome.DecisionID == "" {
		outcome.DecisionID = decision.ID
	}
	return outcome, nil
}

// Positions fetches the current portfolio snapshot.
func (h *HTTP) Positions(ctx context.Context) ([]domain.Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/v1/positions", nil)
	if err != nil {
		return nil, domain.WrapError(domain.KindInvariant, err, "failed to build positions request")
	}

	raw, err := h.do(req)
	if err != nil {
		return nil, err
	}

	var positions []domain.Position
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, domain.WrapError(domain.KindTransient, err, "failed to decode positions")
	}
	return positions, nil
}

func (h *HTTP) do(req *http.Request) ([]byte, error) {
	resp, err := h.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.WrapError(domain.KindTimeout, err, "executor call timed out")
		}
		return nil, domain.WrapError(domain.KindTransient, err, "executor request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.WrapError(domain.KindTransient, err, "failed to read executor response")
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, domain.Errorf(domain.KindExecutorRejected, "executor rejected decision: %s", string(raw))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, domain.Errorf(domain.KindInvariant, "executor rejected request: status %d: %s", resp.StatusCode, string(raw))
	case resp.StatusCode != http.StatusOK:
		return nil, domain.Errorf(domain.KindTransient, "executor error: status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

var _ domain.Executor = (*HTTP)(nil)
