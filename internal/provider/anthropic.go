package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Anthropic calls the messages API.
type Anthropic struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(baseURL, apiKey string, requestsPerSec float64) *Anthropic {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &Anthropic{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    newLimiter(requestsPerSec),
	}
}

// ID returns the provider id used in routing configs.
func (p *Anthropic) ID() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
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
	} `json:"error"`
}

// Generate sends one messages request.
func (p *Anthropic) Generate(ctx context.Context, req Request) (Result, error) {
	if err := waitLimiter(ctx, p.limiter); err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindNetwork, Err: err}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024 // the messages API requires max_tokens
	}
	reqBody, err := json.Marshal(anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindMalformed, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindNetwork, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

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

	var result anthropicResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if result.Error != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindServer,
			Err: fmt.Errorf("%s: %s", result.Error.Type, result.Error.Message)}
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Result{}, &Error{Provider: p.ID(), Kind: KindMalformed, Err: fmt.Errorf("no text content in response")}
	}

	return Result{
		Text:      text.String(),
		TokensIn:  result.Usage.InputTokens,
		TokensOut: result.Usage.OutputTokens,
	}, nil
}
