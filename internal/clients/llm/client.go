// Package llm provides the rationale-writing completion client. Two
// providers are supported (claude, openai); an empty provider yields a
// disabled client and every caller must degrade to template rationales.
package llm

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
	"github.com/shopspring/decimal"
)

// Provider selects the completion API dialect.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultTemperature = 0.3

	claudeBaseURL = "https://api.anthropic.com"
	openAIBaseURL = "https://api.openai.com"
)

// modelPrice is USD per million tokens.
type modelPrice struct {
	inPerMTok  decimal.Decimal
	outPerMTok decimal.Decimal
}

// Completion spend must be charged to the budget, so each known model
// carries its list price. Unknown models charge the conservative default.
var (
	defaultPrice = modelPrice{
		inPerMTok:  decimal.NewFromInt(3),
		outPerMTok: decimal.NewFromInt(15),
	}
	modelPrices = map[string]modelPrice{
		"claude-sonnet-4-20250514": {inPerMTok: decimal.NewFromInt(3), outPerMTok: decimal.NewFromInt(15)},
		"claude-haiku-3-5":         {inPerMTok: decimal.RequireFromString("0.8"), outPerMTok: decimal.NewFromInt(4)},
		"gpt-4o":                   {inPerMTok: decimal.RequireFromString("2.5"), outPerMTok: decimal.NewFromInt(10)},
		"gpt-4o-mini":              {inPerMTok: decimal.RequireFromString("0.15"), outPerMTok: decimal.RequireFromString("0.6")},
	}
)

// Config holds the client configuration.
type Config struct {
	Provider    Provider
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
	BaseURL     string // overrides the provider default, used in tests
}

// Client is the completion client. A nil-config or empty-provider client
// reports Enabled() == false and fails every Complete call.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a completion client for the configured provider.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Provider {
		case ProviderClaude:
			baseURL = claudeBaseURL
		case ProviderOpenAI:
			baseURL = openAIBaseURL
		}
	}

	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		log: log.With().Str("component", "llm").Logger(),
	}
}

// NewDisabled returns a client with no provider. Enabled() is false.
func NewDisabled() *Client {
	return &Client{}
}

// Enabled reports whether completions can be made at all.
func (c *Client) Enabled() bool {
	return c.cfg.Provider != "" && c.cfg.APIKey != ""
}

// Complete sends one system+user completion and accounts its cost.
func (c *Client) Complete(ctx context.Context, system, user string) (domain.CompletionResult, error) {
	if !c.Enabled() {
		return domain.CompletionResult{}, domain.NewError(domain.KindConfig, "llm client is disabled")
	}

	switch c.cfg.Provider {
	case ProviderClaude:
		return c.completeClaude(ctx, system, user)
	case ProviderOpenAI:
		return c.completeOpenAI(ctx, system, user)
	default:
		return domain.CompletionResult{}, domain.Errorf(domain.KindConfig, "unsupported llm provider: %s", c.cfg.Provider)
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) completeClaude(ctx context.Context, system, user string) (domain.CompletionResult, error) {
	req := claudeRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		System:      system,
		Messages:    []message{{Role: "user", Content: user}},
	}

	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	}

	raw, err := c.post(ctx, c.baseURL+"/v1/messages", req, headers)
	if err != nil {
		return domain.CompletionResult{}, err
	}

	var parsed claudeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.CompletionResult{}, domain.WrapError(domain.KindTransient, err, "failed to decode claude response")
	}
	if parsed.Error != nil {
		return domain.CompletionResult{}, domain.Errorf(domain.KindTransient, "claude error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Content) == 0 {
		return domain.CompletionResult{}, domain.NewError(domain.KindTransient, "empty claude response")
	}

	return c.result(parsed.Content[0].Text, parsed.Usage.InputTokens, parsed.Usage.OutputTokens), nil
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *Client) completeOpenAI(ctx context.Context, system, user string) (domain.CompletionResult, error) {
	req := openAIRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	headers := map[string]string{
		"Authorization": "Bearer " + c.cfg.APIKey,
	}

	raw, err := c.post(ctx, c.baseURL+"/v1/chat/completions", req, headers)
	if err != nil {
		return domain.CompletionResult{}, err
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.CompletionResult{}, domain.WrapError(domain.KindTransient, err, "failed to decode openai response")
	}
	if parsed.Error != nil {
		return domain.CompletionResult{}, domain.Errorf(domain.KindTransient, "openai error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return domain.CompletionResult{}, domain.NewError(domain.KindTransient, "empty openai response")
	}

	return c.result(parsed.Choices[0].Message.Content, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens), nil
}

func (c *Client) post(ctx context.Context, url string, body any, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, domain.WrapError(domain.KindInvariant, err, "failed to marshal llm request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, domain.WrapError(domain.KindInvariant, err, "failed to build llm request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.WrapError(domain.KindTimeout, err, "llm call timed out")
		}
		return nil, domain.WrapError(domain.KindTransient, err, "llm request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapError(domain.KindTransient, err, "failed to read llm response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.Errorf(domain.KindRateLimited, "llm endpoint rate limited")
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, domain.Errorf(domain.KindConfig, "llm API key rejected")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, domain.Errorf(domain.KindTransient, "llm endpoint returned status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

func (c *Client) result(text string, inTokens, outTokens int) domain.CompletionResult {
	price, ok := modelPrices[c.cfg.Model]
	if !ok {
		price = defaultPrice
	}
	million := decimal.NewFromInt(1_000_000)
	cost := price.inPerMTok.Mul(decimal.NewFromInt(int64(inTokens))).Div(million).
		Add(price.outPerMTok.Mul(decimal.NewFromInt(int64(outTokens))).Div(million))

	return domain.CompletionResult{
		Text:    text,
		CostUSD: cost,
		Tokens:  inTokens + outTokens,
	}
}

var _ domain.LLM = (*Client)(nil)
