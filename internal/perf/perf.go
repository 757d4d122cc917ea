// Package perf tracks generation performance over sliding windows: UAM
// (unique attributes per minute), request rates, success rates, latency,
// and token cost, per worker, per provider, and globally.
package perf

import (
	"time"
)

// Outcome is the result of one provider request, recorded by the central
// event loop when a batch or failure report arrives.
type Outcome struct {
	ProducerID string
	ProviderID string
	Model      string
	PromptTag  string // prompt template credited at batch receipt
	Start      time.Time
	Latency    time.Duration
	TokensIn   int
	TokensOut  int
	Candidates int
	NewUnique  int
	OK         bool
	ErrKind    string
}

// Filter narrows metrics to one worker and/or one provider. The zero
// value is global.
type Filter struct {
	ProducerID string
	ProviderID string
}

func (f Filter) matches(o Outcome) bool {
	if f.ProducerID != "" && o.ProducerID != f.ProducerID {
		return false
	}
	if f.ProviderID != "" && o.ProviderID != f.ProviderID {
		return false
	}
	return true
}

// ProviderStats is a windowed per-provider summary for the feed breakdown.
type ProviderStats struct {
	Requests      int     `json:"requests"`
	NewUnique     int     `json:"new_unique"`
	UAM           float64 `json:"uam"`
	SuccessRate   float64 `json:"success_rate"`
	MeanLatencyMS float64 `json:"mean_latency_ms"`
	CostPerMinute float64 `json:"cost_per_minute"`
}

// Tracker holds outcomes for the long window and derives metrics over any
// sub-window. Owned exclusively by the central event loop.
type Tracker struct {
	short    time.Duration
	long     time.Duration
	prices   map[string][2]float64 // provider:model → {in, out} USD per 1K tokens
	outcomes []Outcome
}

// New creates a tracker. prices may be nil (cost metrics read as zero).
func New(short, long time.Duration, prices map[string][2]float64) *Tracker {
	return &Tracker{short: short, long: long, prices: prices}
}

// ShortWindow returns the configured short window length.
func (t *Tracker) ShortWindow() time.Duration { return t.short }

// LongWindow returns the configured long window length.
func (t *Tracker) LongWindow() time.Duration { return t.long }

// Record adds an outcome and evicts everything older than the long window.
// Eviction is strict on Start: an outcome with Start < now-long no longer
// contributes to any metric.
func (t *Tracker) Record(o Outcome) {
	t.outcomes = append(t.outcomes, o)
	t.evict(o.Start)
}

func (t *Tracker) evict(now time.Time) {
	cutoff := now.Add(-t.long)
	kept := t.outcomes[:0]
	for _, o := range t.outcomes {
		if !o.Start.Before(cutoff) {
			kept = append(kept, o)
		}
	}
	t.outcomes = kept
}

// window iterates outcomes whose Start falls inside [now-win, now].
func (t *Tracker) window(f Filter, win time.Duration, now time.Time, fn func(Outcome)) {
	cutoff := now.Add(-win)
	for _, o := range t.outcomes {
		if o.Start.Before(cutoff) || o.Start.After(now) {
			continue
		}
		if f.matches(o) {
			fn(o)
		}
	}
}

// UAM returns unique attributes per minute: uniques credited to requests
// whose Start falls in the window, divided by window minutes.
func (t *Tracker) UAM(f Filter, win time.Duration, now time.Time) float64 {
	unique := 0
	t.window(f, win, now, func(o Outcome) { unique += o.NewUnique })
	return float64(unique) / win.Minutes()
}

// RequestsPerMinute returns the windowed request rate.
func (t *Tracker) RequestsPerMinute(f Filter, win time.Duration, now time.Time) float64 {
	n := 0
	t.window(f, win, now, func(Outcome) { n++ })
	return float64(n) / win.Minutes()
}

// SuccessRate returns the fraction of windowed requests that succeeded,
// or 1 when the window is empty (cold start is not a failure signal).
func (t *Tracker) SuccessRate(f Filter, win time.Duration, now time.Time) float64 {
	n, ok := 0, 0
	t.window(f, win, now, func(o Outcome) {
		n++
		if o.OK {
			ok++
		}
	})
	if n == 0 {
		return 1
	}
	return float64(ok) / float64(n)
}

// MeanLatency returns the mean latency of windowed requests.
func (t *Tracker) MeanLatency(f Filter, win time.Duration, now time.Time) time.Duration {
	n := 0
	var total time.Duration
	t.window(f, win, now, func(o Outcome) {
		n++
		total += o.Latency
	})
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// CostPerMinute returns windowed token spend per minute from the price
// table.
func (t *Tracker) CostPerMinute(f Filter, win time.Duration, now time.Time) float64 {
	cost := 0.0
	t.window(f, win, now, func(o Outcome) { cost += t.cost(o) })
	return cost / win.Minutes()
}

func (t *Tracker) cost(o Outcome) float64 {
	price, ok := t.prices[o.ProviderID+":"+o.Model]
	if !ok {
		return 0
	}
	return float64(o.TokensIn)/1000*price[0] + float64(o.TokensOut)/1000*price[1]
}

// UniquenessRatio returns new_unique / candidates_emitted over the window,
// or 0 when nothing was emitted.
func (t *Tracker) UniquenessRatio(f Filter, win time.Duration, now time.Time) float64 {
	unique, candidates := 0, 0
	t.window(f, win, now, func(o Outcome) {
		unique += o.NewUnique
		candidates += o.Candidates
	})
	if candidates == 0 {
		return 0
	}
	return float64(unique) / float64(candidates)
}

// Decline compares short-window UAM against long-window UAM:
// decline = 1 - short/long, clamped to [0, 1]. Returns 0 on cold start
// (empty or zero long window) so a fresh run never looks like a collapse.
func (t *Tracker) Decline(f Filter, now time.Time) float64 {
	long := t.UAM(f, t.long, now)
	if long <= 0 {
		return 0
	}
	short := t.UAM(f, t.short, now)
	d := 1 - short/long
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}

// UAMPerCost returns short-window UAM divided by short-window cost for a
// provider; providers with zero recorded cost rank by raw UAM.
func (t *Tracker) UAMPerCost(providerID string, now time.Time) float64 {
	f := Filter{ProviderID: providerID}
	uam := t.UAM(f, t.short, now)
	cost := t.CostPerMinute(f, t.short, now)
	if cost <= 0 {
		return uam
	}
	return uam / cost
}

// Breakdown returns short-window per-provider stats for every provider
// seen in the window.
func (t *Tracker) Breakdown(now time.Time) map[string]ProviderStats {
	ids := map[string]bool{}
	t.window(Filter{}, t.short, now, func(o Outcome) { ids[o.ProviderID] = true })

	out := make(map[string]ProviderStats, len(ids))
	for id := range ids {
		f := Filter{ProviderID: id}
		requests := 0
		unique := 0
		t.window(f, t.short, now, func(o Outcome) {
			requests++
			unique += o.NewUnique
		})
		out[id] = ProviderStats{
			Requests:      requests,
			NewUnique:     unique,
			UAM:           t.UAM(f, t.short, now),
			SuccessRate:   t.SuccessRate(f, t.short, now),
			MeanLatencyMS: float64(t.MeanLatency(f, t.short, now).Milliseconds()),
			CostPerMinute: t.CostPerMinute(f, t.short, now),
		}
	}
	return out
}

// Outcomes returns the retained outcomes (newest window) for archival and
// for optimizer feedback. The slice is shared; callers must not mutate it.
func (t *Tracker) Outcomes() []Outcome { return t.outcomes }
