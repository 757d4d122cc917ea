package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(strategy string, ids ...string) *Router {
	backends := make(map[string]Provider, len(ids))
	weights := make(map[string]float64, len(ids))
	for _, id := range ids {
		backends[id] = NewTest()
		weights[id] = 1.0 / float64(len(ids))
	}
	return NewRouter(strategy, ids, backends, weights, 30*time.Second, 1)
}

func TestRouterRoundRobinCycles(t *testing.T) {
	r := newTestRouter("roundrobin", "a", "b")
	now := time.Now()

	p1, err := r.Pick(now)
	require.NoError(t, err)
	p2, err := r.Pick(now)
	require.NoError(t, err)
	p3, err := r.Pick(now)
	require.NoError(t, err)

	// Two providers alternate; the third pick repeats the first.
	assert.NotSame(t, p1, p2)
	assert.Same(t, p1, p3)
}

func TestRouterPriorityPrefersFirstHealthy(t *testing.T) {
	r := newTestRouter("priority", "a", "b")
	now := time.Now()

	for i := 0; i < unhealthyAfter; i++ {
		r.ReportFailure("a", now)
	}

	p, err := r.Pick(now)
	require.NoError(t, err)
	assert.Same(t, r.backends["b"], p)
}

func TestRouterExcludesFailingProviderUntilCooldown(t *testing.T) {
	r := newTestRouter("backoff", "a")
	now := time.Now()

	for i := 0; i < unhealthyAfter; i++ {
		r.ReportFailure("a", now)
	}
	_, err := r.Pick(now)
	assert.ErrorIs(t, err, ErrNoHealthyProvider)

	// After the cooldown elapses the provider is eligible again.
	_, err = r.Pick(now.Add(31 * time.Second))
	assert.NoError(t, err)
}

func TestRouterSuccessResetsStreak(t *testing.T) {
	r := newTestRouter("backoff", "a")
	now := time.Now()

	r.ReportFailure("a", now)
	r.ReportFailure("a", now)
	r.ReportSuccess("a")
	assert.Equal(t, 0, r.ConsecutiveFailures("a"))

	_, err := r.Pick(now)
	assert.NoError(t, err)
}

func TestRouterWeightedRespectsWeights(t *testing.T) {
	ids := []string{"a", "b"}
	backends := map[string]Provider{"a": NewTest(), "b": NewTest()}
	weights := map[string]float64{"a": 1.0, "b": 0.0}
	r := NewRouter("weighted", ids, backends, weights, 30*time.Second, 1)

	now := time.Now()
	for i := 0; i < 50; i++ {
		p, err := r.Pick(now)
		require.NoError(t, err)
		assert.Same(t, backends["a"], p)
	}
}

func TestTestProviderScript(t *testing.T) {
	p := NewTest(
		Step{Lines: []string{"A", "B", "C", "A"}},
		Step{Fail: KindRateLimited},
		Step{Lines: []string{"B", "D"}},
	)

	res, err := p.Generate(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "A\nB\nC\nA", res.Text)

	_, err = p.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))

	res, err = p.Generate(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "B\nD", res.Text)

	// Script wraps around.
	res, err = p.Generate(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "A\nB\nC\nA", res.Text)
	assert.Equal(t, 4, p.Calls())
}

func TestTestProviderSyntheticModeIsUnique(t *testing.T) {
	p := NewTest()
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		res, err := p.Generate(context.Background(), Request{Prompt: "x"})
		require.NoError(t, err)
		for _, line := range splitLines(res.Text) {
			assert.False(t, seen[line], "line %q repeated", line)
			seen[line] = true
		}
	}
	assert.Len(t, seen, 30)
}

func TestKindOfDefaultsToNetwork(t *testing.T) {
	assert.Equal(t, KindNetwork, KindOf(assert.AnError))
	assert.Equal(t, KindAuth, KindOf(&Error{Provider: "openai", Kind: KindAuth, Err: assert.AnError}))
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
