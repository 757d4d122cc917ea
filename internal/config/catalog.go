package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelSpec describes one model's pricing and limits. Prices are USD per
// 1K tokens.
type ModelSpec struct {
	Name            string  `yaml:"name"`
	PriceIn         float64 `yaml:"price_in"`
	PriceOut        float64 `yaml:"price_out"`
	ContextWindow   int     `yaml:"context_window"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
}

// ProviderSpec describes one provider backend in the catalog.
type ProviderSpec struct {
	ID            string      `yaml:"id"`
	BaseURL       string      `yaml:"base_url"`
	APIKeyEnv     string      `yaml:"api_key_env"`
	RequestsPerSec float64    `yaml:"requests_per_sec"` // client-side pacing; 0 = unpaced
	TokensPerWord float64     `yaml:"tokens_per_word"`  // exclusion-list sizing estimate
	Models        []ModelSpec `yaml:"models"`
}

// Catalog is the set of known providers, loaded from providers.yaml or
// built in.
type Catalog struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// LoadCatalog reads a provider catalog from path, or returns the built-in
// defaults when path is empty.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return defaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("config: read providers file: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return Catalog{}, fmt.Errorf("config: parse providers file: %w", err)
	}
	if len(cat.Providers) == 0 {
		return Catalog{}, fmt.Errorf("config: providers file %s lists no providers", path)
	}
	for _, p := range cat.Providers {
		if p.ID == "" {
			return Catalog{}, fmt.Errorf("config: providers file %s has an entry with no id", path)
		}
		if len(p.Models) == 0 {
			return Catalog{}, fmt.Errorf("config: provider %q lists no models", p.ID)
		}
	}
	return cat, nil
}

// Provider returns the spec for a provider id, or false if unknown.
func (c Catalog) Provider(id string) (ProviderSpec, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderSpec{}, false
}

// Model returns the spec for a provider's model, falling back to the
// provider's first model when name is not listed.
func (p ProviderSpec) Model(name string) ModelSpec {
	for _, m := range p.Models {
		if m.Name == name {
			return m
		}
	}
	return p.Models[0]
}

// Prices returns the (price_in, price_out) pair per provider:model key for
// the performance tracker's cost accounting.
func (c Catalog) Prices() map[string][2]float64 {
	prices := make(map[string][2]float64)
	for _, p := range c.Providers {
		for _, m := range p.Models {
			prices[p.ID+":"+m.Name] = [2]float64{m.PriceIn, m.PriceOut}
		}
	}
	return prices
}

func defaultCatalog() Catalog {
	return Catalog{Providers: []ProviderSpec{
		{
			ID:             "openai",
			BaseURL:        "https://api.openai.com/v1",
			APIKeyEnv:      "OPENAI_API_KEY",
			RequestsPerSec: 5,
			TokensPerWord:  1.3,
			Models: []ModelSpec{
				{Name: "gpt-4o-mini", PriceIn: 0.00015, PriceOut: 0.0006, ContextWindow: 128_000, MaxOutputTokens: 16_384},
				{Name: "gpt-4o", PriceIn: 0.0025, PriceOut: 0.01, ContextWindow: 128_000, MaxOutputTokens: 16_384},
			},
		},
		{
			ID:             "anthropic",
			BaseURL:        "https://api.anthropic.com/v1",
			APIKeyEnv:      "ANTHROPIC_API_KEY",
			RequestsPerSec: 5,
			TokensPerWord:  1.3,
			Models: []ModelSpec{
				{Name: "claude-3-5-haiku-latest", PriceIn: 0.0008, PriceOut: 0.004, ContextWindow: 200_000, MaxOutputTokens: 8_192},
				{Name: "claude-3-5-sonnet-latest", PriceIn: 0.003, PriceOut: 0.015, ContextWindow: 200_000, MaxOutputTokens: 8_192},
			},
		},
		{
			ID:             "gemini",
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
			APIKeyEnv:      "GEMINI_API_KEY",
			RequestsPerSec: 5,
			TokensPerWord:  1.2,
			Models: []ModelSpec{
				{Name: "gemini-2.0-flash", PriceIn: 0.0001, PriceOut: 0.0004, ContextWindow: 1_000_000, MaxOutputTokens: 8_192},
			},
		},
		{
			ID:            "test",
			TokensPerWord: 1.0,
			Models: []ModelSpec{
				{Name: "test", ContextWindow: 8_192, MaxOutputTokens: 1_000},
			},
		},
	}}
}
