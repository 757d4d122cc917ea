package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Routing strategies.
const (
	StrategyBackoff    = "backoff"
	StrategyRoundRobin = "roundrobin"
	StrategyPriority   = "priority"
	StrategyWeighted   = "weighted"
)

// ProviderRef names one provider endpoint in a routing configuration.
type ProviderRef struct {
	ID     string
	Model  string
	Weight float64
}

// Routing selects providers and how work is distributed across them.
type Routing struct {
	Strategy  string
	Providers []ProviderRef
}

// Weights returns the per-provider weight map the orchestrator hands to
// workers. Strategies without explicit weights get a uniform distribution;
// priority order decays by half per position so earlier providers dominate.
func (r Routing) Weights() map[string]float64 {
	weights := make(map[string]float64, len(r.Providers))
	switch r.Strategy {
	case StrategyWeighted:
		for _, p := range r.Providers {
			weights[p.ID] = p.Weight
		}
	case StrategyPriority:
		w := 1.0
		for _, p := range r.Providers {
			weights[p.ID] = w
			w /= 2
		}
	default:
		for _, p := range r.Providers {
			weights[p.ID] = 1.0 / float64(len(r.Providers))
		}
	}
	return weights
}

// Model returns the configured model for a provider id, or "" if the
// provider is not part of this routing.
func (r Routing) Model(providerID string) string {
	for _, p := range r.Providers {
		if p.ID == providerID {
			return p.Model
		}
	}
	return ""
}

// RoutingFromEnv builds a Routing from ROUTING_STRATEGY / ROUTING_CONFIG.
// With neither set, it falls back to backoff over the deterministic test
// provider so the system runs without any API keys.
func RoutingFromEnv() (Routing, error) {
	strategy := strings.ToLower(os.Getenv("ROUTING_STRATEGY"))
	if strategy == "" {
		return Routing{
			Strategy:  StrategyBackoff,
			Providers: []ProviderRef{{ID: "test", Model: "test"}},
		}, nil
	}
	cfg := os.Getenv("ROUTING_CONFIG")
	if cfg == "" {
		cfg = "test"
	}
	return ParseRouting(strategy, cfg)
}

// ParseRouting parses a routing strategy name and a comma-separated
// provider list of the form "provider[:model[:weight]]". Weights are only
// meaningful for the weighted strategy; when present they must fall in
// (0, 1] and sum to 1 within a small tolerance.
func ParseRouting(strategy, providerList string) (Routing, error) {
	strategy = strings.ToLower(strings.TrimSpace(strategy))
	switch strategy {
	case StrategyBackoff, StrategyRoundRobin, StrategyPriority, StrategyWeighted:
	default:
		return Routing{}, fmt.Errorf(
			"config: unknown routing strategy %q (valid: backoff, roundrobin, priority, weighted)", strategy)
	}

	var providers []ProviderRef
	for _, item := range strings.Split(providerList, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		ref, err := parseProviderRef(item)
		if err != nil {
			return Routing{}, err
		}
		providers = append(providers, ref)
	}
	if len(providers) == 0 {
		return Routing{}, fmt.Errorf("config: routing config %q names no providers", providerList)
	}
	if strategy == StrategyBackoff && len(providers) != 1 {
		return Routing{}, fmt.Errorf("config: backoff strategy takes exactly one provider, got %d", len(providers))
	}

	if strategy == StrategyWeighted {
		explicit, unweighted := 0.0, 0
		for _, p := range providers {
			if p.Weight == 0 {
				unweighted++
			} else {
				explicit += p.Weight
			}
		}
		sum := 0.0
		for i := range providers {
			if providers[i].Weight == 0 {
				// Unweighted entries in a weighted config share the remainder evenly.
				providers[i].Weight = (1 - explicit) / float64(unweighted)
			}
			if providers[i].Weight <= 0 || providers[i].Weight > 1 {
				return Routing{}, fmt.Errorf("config: weight %g for provider %q out of range (0, 1]",
					providers[i].Weight, providers[i].ID)
			}
			sum += providers[i].Weight
		}
		if sum < 0.99 || sum > 1.01 {
			return Routing{}, fmt.Errorf("config: provider weights sum to %.3f, want 1.0", sum)
		}
	}

	return Routing{Strategy: strategy, Providers: providers}, nil
}

func parseProviderRef(item string) (ProviderRef, error) {
	parts := strings.Split(item, ":")
	ref := ProviderRef{ID: strings.ToLower(strings.TrimSpace(parts[0]))}
	if ref.ID == "" {
		return ProviderRef{}, fmt.Errorf("config: empty provider id in %q", item)
	}
	switch len(parts) {
	case 1:
	case 2:
		ref.Model = strings.TrimSpace(parts[1])
	case 3:
		ref.Model = strings.TrimSpace(parts[1])
		w, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return ProviderRef{}, fmt.Errorf("config: invalid weight in %q: %w", item, err)
		}
		ref.Weight = w
	default:
		return ProviderRef{}, fmt.Errorf("config: invalid provider entry %q (want provider[:model[:weight]])", item)
	}
	if ref.Model == "" {
		ref.Model = DefaultModel(ref.ID)
	}
	return ref, nil
}

// DefaultModel returns the catalog default model for a provider id.
func DefaultModel(providerID string) string {
	switch providerID {
	case "openai":
		return "gpt-4o-mini"
	case "anthropic":
		return "claude-3-5-haiku-latest"
	case "gemini":
		return "gemini-2.0-flash"
	case "test":
		return "test"
	}
	return ""
}
