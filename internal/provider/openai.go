package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// OpenAI calls the chat completions API.
type OpenAI struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewOpenAI creates an OpenAI provider. requestsPerSec bounds client-side
// request pacing; 0 disables pacing.
func NewOpenAI(baseURL, apiKey string, requestsPerSec float64) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAI{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    newLimiter(requestsPerSec),
	}
}

// ID returns the provider id used in routing configs.
func (p *OpenAI) ID() string { return "openai" }

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate sends one chat completion request.
func (p *OpenAI) Generate(ctx context.Context, req Request) (Result, error) {
	if err := waitLimiter(ctx, p.limiter); err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindNetwork, Err: err}
	}

	reqBody, err := json.Marshal(openAIChatRequest{
		Model:       req.Model,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindMalformed, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindNetwork, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindNetwork, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindNetwork, Err: fmt.Errorf("read response: %w", err)}
	}

	if kind, ok := classifyStatus(resp.StatusCode); ok {
		return Result{}, &Error{Provider: p.ID(), Kind: kind,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 256))}
	}

	var result openAIChatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if result.Error != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindServer,
			Err: fmt.Errorf("%s: %s", result.Error.Type, result.Error.Message)}
	}
	if len(result.Choices) == 0 {
		return Result{}, &Error{Provider: p.ID(), Kind: KindMalformed, Err: fmt.Errorf("no choices in response")}
	}

	text := result.Choices[0].Message.Content
	out := Result{
		Text:      text,
		TokensIn:  result.Usage.PromptTokens,
		TokensOut: result.Usage.CompletionTokens,
	}
	if out.TokensOut == 0 {
		out.TokensIn = estimateTokens(req.Prompt)
		out.TokensOut = estimateTokens(text)
	}
	return out, nil
}

// classifyStatus maps an HTTP status to a failure kind. The second return
// is false for success statuses.
func classifyStatus(status int) (Kind, bool) {
	switch {
	case status == http.StatusOK:
		return "", false
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, true
	case status >= 500:
		return KindServer, true
	default:
		return KindMalformed, true
	}
}

func newLimiter(requestsPerSec float64) *rate.Limiter {
	if requestsPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(requestsPerSec), 1)
}

func waitLimiter(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
