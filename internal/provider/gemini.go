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

// Gemini calls the generateContent API.
type Gemini struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewGemini creates a Gemini provider.
func NewGemini(baseURL, apiKey string, requestsPerSec float64) *Gemini {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &Gemini{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    newLimiter(requestsPerSec),
	}
}

// ID returns the provider id used in routing configs.
func (p *Gemini) ID() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate sends one generateContent request.
func (p *Gemini) Generate(ctx context.Context, req Request) (Result, error) {
	if err := waitLimiter(ctx, p.limiter); err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindNetwork, Err: err}
	}

	reqBody, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	})
	if err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindMalformed, Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindNetwork, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var result geminiResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if result.Error != nil {
		return Result{}, &Error{Provider: p.ID(), Kind: KindServer,
			Err: fmt.Errorf("%s: %s", result.Error.Status, result.Error.Message)}
	}
	if len(result.Candidates) == 0 {
		return Result{}, &Error{Provider: p.ID(), Kind: KindMalformed, Err: fmt.Errorf("no candidates in response")}
	}

	var text strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	out := Result{
		Text:      text.String(),
		TokensIn:  result.UsageMetadata.PromptTokenCount,
		TokensOut: result.UsageMetadata.CandidatesTokenCount,
	}
	if out.TokensOut == 0 {
		out.TokensIn = estimateTokens(req.Prompt)
		out.TokensOut = estimateTokens(out.Text)
	}
	return out, nil
}
