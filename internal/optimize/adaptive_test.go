package optimize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attropy/attropy/internal/perf"
	"github.com/attropy/attropy/internal/wire"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func baseContext(decline float64, workers ...string) Context {
	return Context{
		Topic:          "lighthouses",
		WorkerIDs:      workers,
		Assignments:    map[string]Assignment{},
		ShortUAM:       60,
		LongUAM:        120,
		Decline:        decline,
		UAMPerCost:     map[string]float64{"openai": 100, "anthropic": 400},
		DefaultPrompt:  DefaultTemplate,
		DefaultWeights: map[string]float64{"openai": 0.5, "anthropic": 0.5},
		DefaultParams:  wire.Params{Temperature: 0.8, BatchSize: 50, MaxTokens: 800},
		Now:            now,
	}
}

func TestBasicIsUniformAndDeterministic(t *testing.T) {
	b := NewBasic()
	ctx := baseContext(0.9, "w1", "w2")

	r1 := b.Optimize(ctx)
	r2 := b.Optimize(ctx)
	assert.Equal(t, r1, r2)
	assert.Equal(t, ctx.DefaultPrompt, r1.PerWorkerPrompt["w1"])
	assert.Equal(t, r1.PerWorkerPrompt["w1"], r1.PerWorkerPrompt["w2"])
	assert.Equal(t, LevelNone, r1.Level)
	assert.Nil(t, r1.ParamOverrides.Temperature)
}

func TestLevelMapping(t *testing.T) {
	cases := []struct {
		decline float64
		current Level
		want    Level
	}{
		{0.00, LevelNone, LevelNone},
		{0.04, LevelModerate, LevelNone},
		{0.10, LevelModerate, LevelModerate}, // hysteresis band keeps level
		{0.15, LevelNone, LevelMinimal},
		{0.30, LevelNone, LevelModerate},
		{0.50, LevelNone, LevelAggressive},
		{0.80, LevelMinimal, LevelAggressive},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, nextLevel(c.current, c.decline), "decline=%.2f current=%s", c.decline, c.current)
	}
}

func TestAdaptiveSteadyStateKeepsDefaults(t *testing.T) {
	a := NewAdaptive()
	res := a.Optimize(baseContext(0.0, "w1", "w2"))

	assert.Equal(t, LevelNone, res.Level)
	assert.Equal(t, DefaultTemplate, res.PerWorkerPrompt["w1"])
	assert.Equal(t, "default", res.PerWorkerPromptTag["w2"])
	assert.Nil(t, res.ParamOverrides.BatchSize)
}

func TestAdaptiveDeclineAssignsDistinctPrompts(t *testing.T) {
	// Scenario: short-window UAM halves against the long window.
	a := NewAdaptive()
	res := a.Optimize(baseContext(0.5, "w1", "w2", "w3"))

	assert.Equal(t, LevelAggressive, res.Level)
	prompts := map[string]bool{}
	for _, id := range []string{"w1", "w2", "w3"} {
		prompts[res.PerWorkerPrompt[id]] = true
	}
	assert.Len(t, prompts, 3, "workers should receive distinct templates")

	// Temperature raised by exactly one step, inside the clamp.
	require.NotNil(t, res.ParamOverrides.Temperature)
	assert.InDelta(t, 0.9, *res.ParamOverrides.Temperature, 1e-9)

	// Batch widened by 20%.
	require.NotNil(t, res.ParamOverrides.BatchSize)
	assert.Equal(t, 60, *res.ParamOverrides.BatchSize)
}

func TestTemperatureClamp(t *testing.T) {
	a := NewAdaptive()
	ctx := baseContext(0.35, "w1")
	ctx.DefaultParams.Temperature = 1.05

	res := a.Optimize(ctx)
	require.NotNil(t, res.ParamOverrides.Temperature)
	assert.Equal(t, 1.1, *res.ParamOverrides.Temperature)
}

func TestAggressiveBiasesWeightsTowardBestProvider(t *testing.T) {
	a := NewAdaptive()
	res := a.Optimize(baseContext(0.6, "w1"))

	w := res.PerWorkerWeights["w1"]
	assert.Greater(t, w["anthropic"], w["openai"])
	assert.InDelta(t, 1.0, w["anthropic"]+w["openai"], 1e-9)
}

func TestMinimalLevelLeavesParamsAlone(t *testing.T) {
	a := NewAdaptive()
	res := a.Optimize(baseContext(0.20, "w1", "w2"))

	assert.Equal(t, LevelMinimal, res.Level)
	assert.Nil(t, res.ParamOverrides.Temperature)
	assert.Nil(t, res.ParamOverrides.BatchSize)
	// Prompts still diversify at minimal level.
	assert.NotEqual(t, res.PerWorkerPrompt["w1"], res.PerWorkerPrompt["w2"])
}

func TestCreditAssignmentPrefersProductiveTemplates(t *testing.T) {
	a := NewAdaptiveWithCatalog([]Template{
		{Tag: "alpha", Category: "concrete", Text: "alpha {topic}"},
		{Tag: "beta", Category: "creative", Text: "beta {topic}"},
	})

	a.UpdatePerformance([]perf.Outcome{
		{PromptTag: "beta", NewUnique: 50},
		{PromptTag: "alpha", NewUnique: 5},
		{PromptTag: "unknown", NewUnique: 99}, // ignored
	})

	res := a.Optimize(baseContext(0.2, "w1"))
	assert.Equal(t, "beta", res.PerWorkerPromptTag["w1"])

	st := a.State()
	assert.Equal(t, 50.0, st.Templates["beta"].TotalUAM)
	assert.Equal(t, 5.0, st.Templates["alpha"].TotalUAM)
}

func TestCooldownRotatesTemplates(t *testing.T) {
	a := NewAdaptiveWithCatalog([]Template{
		{Tag: "alpha", Category: "concrete", Text: "alpha"},
		{Tag: "beta", Category: "creative", Text: "beta"},
		{Tag: "gamma", Category: "technical", Text: "gamma"},
	})
	a.UpdatePerformance([]perf.Outcome{{PromptTag: "alpha", NewUnique: 100}})

	ctx := baseContext(0.2, "w1")
	first := a.Optimize(ctx)
	assert.Equal(t, "alpha", first.PerWorkerPromptTag["w1"])

	// Within the cooldown, alpha is skipped despite its attribution lead.
	ctx.Now = now.Add(15 * time.Second)
	second := a.Optimize(ctx)
	assert.NotEqual(t, "alpha", second.PerWorkerPromptTag["w1"])

	// After the cooldown ages out, alpha leads again.
	ctx.Now = now.Add(5 * time.Minute)
	third := a.Optimize(ctx)
	assert.Equal(t, "alpha", third.PerWorkerPromptTag["w1"])
}

func TestResetClearsRollingState(t *testing.T) {
	a := NewAdaptive()
	a.UpdatePerformance([]perf.Outcome{{PromptTag: "concrete", NewUnique: 10}})
	a.Optimize(baseContext(0.6, "w1"))

	a.Reset()
	st := a.State()
	assert.Equal(t, LevelNone, st.Level)
	assert.True(t, st.LastAdaptation.IsZero())
	assert.Equal(t, 0.0, st.Templates["concrete"].TotalUAM)
	assert.Equal(t, 0, st.Templates["concrete"].UsageCount)
}

func TestCatalogCoversAllCategories(t *testing.T) {
	cats := map[string]bool{}
	for _, tpl := range Catalog() {
		cats[tpl.Category] = true
	}
	for _, want := range []string{"concrete", "creative", "technical", "functional", "structural", "contextual"} {
		assert.True(t, cats[want], "missing category %s", want)
	}
}
