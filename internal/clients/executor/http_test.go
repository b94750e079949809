package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forager/internal/domain"
)

func TestHTTPSubmitPostsDecision(t *testing.T) {
	var gotPath, gotKey string
	var gotDecision domain.Decision

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotDecision))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"decision_id": "d-1", "status": "executed", "realized_net_usd": "8.4", "gas_spent_usd": "1.2"}`))
	}))
	defer server.Close()

	client := NewHTTP(server.URL, zerolog.Nop())
	outcome, err := client.Submit(context.Background(), enterDecision("d-1", "pool-a", usd("500")))
	require.NoError(t, err)

	assert.Equal(t, "/v1/decisions", gotPath)
	assert.Equal(t, "d-1", gotKey, "decision id doubles as the idempotency key")
	assert.Equal(t, "d-1", gotDecision.ID)
	assert.Equal(t, domain.DecisionEnter, gotDecision.Type)

	assert.Equal(t, domain.OutcomeExecuted, outcome.Status)
	assert.True(t, outcome.RealizedNetUSD.Equal(usd("8.4")))
	assert.True(t, outcome.GasSpentUSD.Equal(usd("1.2")))
}

func TestHTTPSubmitBackfillsDecisionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "executed"}`))
	}))
	defer server.Close()

	client := NewHTTP(server.URL, zerolog.Nop())
	outcome, err := client.Submit(context.Background(), enterDecision("d-7", "pool-a", usd("100")))
	require.NoError(t, err)
	assert.Equal(t, "d-7", outcome.DecisionID)
}

func TestHTTPSubmitClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   domain.ErrorKind
	}{
		{"rejection", http.StatusUnprocessableEntity, domain.KindExecutorRejected},
		{"bad request", http.StatusBadRequest, domain.KindInvariant},
		{"server error", http.StatusInternalServerError, domain.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error": "nope"}`))
			}))
			defer server.Close()

			client := NewHTTP(server.URL, zerolog.Nop())
			_, err := client.Submit(context.Background(), enterDecision("d-1", "pool-a", usd("100")))
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, tt.kind), "expected kind %s, got: %v", tt.kind, err)
		})
	}
}

func TestHTTPPositions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/positions", r.URL.Path)
		w.Write([]byte(`[{"id": "pos-1", "pool_id": "pool-a", "current_value_usd": "512.5"}]`))
	}))
	defer server.Close()

	client := NewHTTP(server.URL, zerolog.Nop())
	positions, err := client.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "pool-a", positions[0].PoolID)
	assert.True(t, positions[0].CurrentValueUSD.Equal(usd("512.5")))
}

func TestHTTPPositionsTransportErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewHTTP(server.URL, zerolog.Nop())
	_, err := client.Positions(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransient))
}
