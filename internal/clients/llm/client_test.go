package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forager/internal/domain"
)

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCompleteClaude(t *testing.T) {
	var gotPath string
	var gotReq claudeRequest
	var gotKey, gotVersion string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"content": [{"type": "text", "text": "Moved to the deeper pool."}],
			"usage": {"input_tokens": 1000, "output_tokens": 500}
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		Provider:  ProviderClaude,
		Model:     "claude-sonnet-4-20250514",
		APIKey:    "test-key",
		MaxTokens: 200,
		BaseURL:   server.URL,
	}, zerolog.Nop())

	result, err := client.Complete(context.Background(), "you narrate trades", "why rebalance?")
	require.NoError(t, err)

	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "you narrate trades", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "why rebalance?", gotReq.Messages[0].Content)
	assert.Equal(t, 200, gotReq.MaxTokens)
	assert.Equal(t, defaultTemperature, gotReq.Temperature)

	assert.Equal(t, "Moved to the deeper pool.", result.Text)
	assert.Equal(t, 1500, result.Tokens)
	// 1000 in * $3/MTok + 500 out * $15/MTok
	assert.True(t, result.CostUSD.Equal(usd("0.0105")), "got cost %s", result.CostUSD)
}

func TestCompleteOpenAI(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq openAIRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Write([]byte(`{
			"choices": [{"message": {"content": "Compounding beat gas today."}}],
			"usage": {"prompt_tokens": 2000, "completion_tokens": 100}
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		Provider: ProviderOpenAI,
		Model:    "gpt-4o-mini",
		APIKey:   "sk-test",
		BaseURL:  server.URL,
	}, zerolog.Nop())

	result, err := client.Complete(context.Background(), "narrator", "explain the compound")
	require.NoError(t, err)

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)

	assert.Equal(t, "Compounding beat gas today.", result.Text)
	// 2000 * $0.15/MTok + 100 * $0.60/MTok
	assert.True(t, result.CostUSD.Equal(usd("0.00036")), "got cost %s", result.CostUSD)
}

func TestDisabledClientRefusesCompletion(t *testing.T) {
	client := NewDisabled()
	assert.False(t, client.Enabled())

	_, err := client.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfig))
}

func TestCompleteClassifiesHTTPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   domain.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, domain.KindRateLimited},
		{"bad key", http.StatusUnauthorized, domain.KindConfig},
		{"overloaded", http.StatusServiceUnavailable, domain.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := NewClient(Config{
				Provider: ProviderClaude,
				Model:    "claude-sonnet-4-20250514",
				APIKey:   "k",
				BaseURL:  server.URL,
			}, zerolog.Nop())

			_, err := client.Complete(context.Background(), "sys", "user")
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, tt.kind), "expected kind %s, got: %v", tt.kind, err)
		})
	}
}

func TestCompleteClaudeBodyError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"type": "overloaded_error", "message": "try later"}}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		Provider: ProviderClaude,
		Model:    "claude-sonnet-4-20250514",
		APIKey:   "k",
		BaseURL:  server.URL,
	}, zerolog.Nop())

	_, err := client.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransient))
	assert.Contains(t, err.Error(), "overloaded_error")
}

func TestUnknownModelChargesDefaultPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"content": [{"type": "text", "text": "ok"}],
			"usage": {"input_tokens": 1000000, "output_tokens": 0}
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		Provider: ProviderClaude,
		Model:    "some-future-model",
		APIKey:   "k",
		BaseURL:  server.URL,
	}, zerolog.Nop())

	result, err := client.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.True(t, result.CostUSD.Equal(usd("3")), "unknown models charge the conservative default")
}
