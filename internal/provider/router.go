package provider

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrNoHealthyProvider is returned by Pick when every configured provider
// is cooling down after failures. Callers back off and retry.
var ErrNoHealthyProvider = errors.New("provider: no healthy provider")

// unhealthyAfter is the consecutive-failure threshold that excludes a
// provider from selection until it has cooled down.
const unhealthyAfter = 3

// Router selects a provider per generation cycle according to the routing
// strategy, excluding providers that are failing.
type Router struct {
	strategy string
	cooldown time.Duration
	rng      *rand.Rand

	mu       sync.Mutex
	order    []string // configured provider order (priority / round-robin)
	backends map[string]Provider
	weights  map[string]float64
	health   map[string]*healthState
	rrNext   int
}

type healthState struct {
	consecutiveFailures int
	lastFailure         time.Time
}

// NewRouter creates a router over the given backends. order preserves the
// configured provider sequence; weights apply to the weighted strategy and
// may be replaced later via SetWeights. seed makes selection reproducible
// in tests; pass time.Now().UnixNano() in production.
func NewRouter(strategy string, order []string, backends map[string]Provider, weights map[string]float64, cooldown time.Duration, seed int64) *Router {
	health := make(map[string]*healthState, len(order))
	for _, id := range order {
		health[id] = &healthState{}
	}
	return &Router{
		strategy: strategy,
		cooldown: cooldown,
		rng:      rand.New(rand.NewSource(seed)),
		order:    order,
		backends: backends,
		weights:  weights,
		health:   health,
	}
}

// SetWeights replaces the routing weights (hot config update).
func (r *Router) SetWeights(weights map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(weights) > 0 {
		r.weights = weights
	}
}

// Pick selects a healthy provider for the next cycle, or
// ErrNoHealthyProvider when all are cooling down.
func (r *Router) Pick(now time.Time) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	healthy := r.healthyLocked(now)
	if len(healthy) == 0 {
		return nil, ErrNoHealthyProvider
	}

	var id string
	switch r.strategy {
	case "roundrobin":
		id = healthy[r.rrNext%len(healthy)]
		r.rrNext++
	case "priority", "backoff":
		id = healthy[0]
	default: // weighted and anything unrecognized
		id = r.pickWeightedLocked(healthy)
	}
	return r.backends[id], nil
}

// ReportSuccess clears a provider's failure streak.
func (r *Router) ReportSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.health[id]; ok {
		h.consecutiveFailures = 0
	}
}

// ReportFailure records a failed call against a provider.
func (r *Router) ReportFailure(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.health[id]; ok {
		h.consecutiveFailures++
		h.lastFailure = now
	}
}

// ConsecutiveFailures reports the current failure streak for a provider.
func (r *Router) ConsecutiveFailures(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.health[id]; ok {
		return h.consecutiveFailures
	}
	return 0
}

// healthyLocked returns configured providers eligible for selection: a
// provider with a failure streak at or above the threshold is excluded
// until its last failure is older than the cooldown.
func (r *Router) healthyLocked(now time.Time) []string {
	healthy := make([]string, 0, len(r.order))
	for _, id := range r.order {
		h := r.health[id]
		if h.consecutiveFailures >= unhealthyAfter && now.Sub(h.lastFailure) < r.cooldown {
			continue
		}
		healthy = append(healthy, id)
	}
	return healthy
}

func (r *Router) pickWeightedLocked(healthy []string) string {
	total := 0.0
	for _, id := range healthy {
		w, ok := r.weights[id]
		if !ok {
			w = 1.0 / float64(len(healthy))
		}
		total += w
	}
	roll := r.rng.Float64() * total
	for _, id := range healthy {
		w, ok := r.weights[id]
		if !ok {
			w = 1.0 / float64(len(healthy))
		}
		roll -= w
		if roll < 0 {
			return id
		}
	}
	return healthy[len(healthy)-1]
}
