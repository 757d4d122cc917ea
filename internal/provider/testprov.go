package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Step is one scripted response of the deterministic test backend.
type Step struct {
	Lines []string // emitted one per line
	Fail  Kind     // non-empty: the call fails with this kind
}

// Test is a deterministic in-process backend used by tests and by the
// default no-API-key routing. With a script, calls consume steps in order
// and wrap around after the last one. Without a script, each call emits a
// numbered batch of synthetic attributes.
type Test struct {
	mu     sync.Mutex
	script []Step
	calls  int
}

// NewTest creates a test provider with an optional script.
func NewTest(steps ...Step) *Test {
	return &Test{script: steps}
}

// ID returns the provider id used in routing configs.
func (p *Test) ID() string { return "test" }

// Calls returns how many Generate calls the provider has served.
func (p *Test) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Generate returns the next scripted step, or a synthetic batch when no
// script was provided.
func (p *Test) Generate(_ context.Context, req Request) (Result, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	var step *Step
	if len(p.script) > 0 {
		s := p.script[call%len(p.script)]
		step = &s
	}
	p.mu.Unlock()

	if step != nil {
		if step.Fail != "" {
			return Result{}, &Error{Provider: p.ID(), Kind: step.Fail, Err: fmt.Errorf("scripted failure")}
		}
		text := strings.Join(step.Lines, "\n")
		return Result{Text: text, TokensIn: estimateTokens(req.Prompt), TokensOut: estimateTokens(text)}, nil
	}

	// Synthetic mode: ten fresh lines per call, unique across calls.
	var b strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "attribute %d\n", call*10+i)
	}
	text := b.String()
	return Result{Text: text, TokensIn: estimateTokens(req.Prompt), TokensOut: estimateTokens(text)}, nil
}
