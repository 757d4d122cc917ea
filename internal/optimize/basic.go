package optimize

import (
	"github.com/attropy/attropy/internal/perf"
)

// Basic is the stateless strategy: every worker gets the uniform default
// prompt and the configured default routing. Idempotent and deterministic.
type Basic struct{}

// NewBasic creates the basic strategy.
func NewBasic() *Basic { return &Basic{} }

// Optimize returns the uniform assignment for every worker.
func (b *Basic) Optimize(ctx Context) Result {
	prompts := make(map[string]string, len(ctx.WorkerIDs))
	tags := make(map[string]string, len(ctx.WorkerIDs))
	weights := make(map[string]map[string]float64, len(ctx.WorkerIDs))
	for _, id := range ctx.WorkerIDs {
		prompts[id] = ctx.DefaultPrompt
		tags[id] = "default"
		weights[id] = ctx.DefaultWeights
	}
	return Result{
		PerWorkerPrompt:    prompts,
		PerWorkerPromptTag: tags,
		PerWorkerWeights:   weights,
		Level:              LevelNone,
		Rationale:          "basic: uniform prompt and default routing",
	}
}

// UpdatePerformance is a no-op for the stateless strategy.
func (b *Basic) UpdatePerformance([]perf.Outcome) {}

// Reset is a no-op for the stateless strategy.
func (b *Basic) Reset() {}

// State reports the strategy name.
func (b *Basic) State() State {
	return State{Name: "basic", Level: LevelNone}
}
