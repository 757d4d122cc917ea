package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/attropy/attropy/internal/config"
)

// Exclusion-list sizing: spend at most this share of the provider's
// available input tokens on the "already discovered" section, but always
// include a handful when any exist.
const (
	maxExclusionShare   = 0.3
	minExclusions       = 10
	promptOverheadToken = 200
)

// BuildPrompt renders a worker's assigned prompt template for one
// generation cycle: placeholder substitution, the formatting directive,
// and a bounded exclusion list of recent discoveries.
func BuildPrompt(template, topic string, batchSize, maxTokens int, exclusions []string, spec config.ProviderSpec, model config.ModelSpec) string {
	prompt := strings.ReplaceAll(template, "{topic}", topic)
	prompt = strings.ReplaceAll(prompt, "{batch_size}", strconv.Itoa(batchSize))

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\nFormat: one entry per line, no numbering, no descriptions.")

	if len(exclusions) > 0 {
		keep := exclusionBudget(maxTokens, spec, model)
		if keep > len(exclusions) {
			keep = len(exclusions)
		}
		// Newest discoveries are the most informative exclusions.
		recent := exclusions[len(exclusions)-keep:]
		fmt.Fprintf(&b, "\n\nAlready discovered (%d shown of %d total) — do not repeat any of these, including variations or alternate spellings:\n",
			len(recent), len(exclusions))
		b.WriteString(strings.Join(recent, "\n"))
	}
	return b.String()
}

// exclusionBudget converts the provider's context window into a number of
// exclusion entries, estimating tokens per entry from the catalog's
// tokens-per-word figure.
func exclusionBudget(maxTokens int, spec config.ProviderSpec, model config.ModelSpec) int {
	window := model.ContextWindow
	if window == 0 {
		window = 4096
	}
	available := window - maxTokens - promptOverheadToken
	if available < 0 {
		available = 0
	}
	tokensPerWord := spec.TokensPerWord
	if tokensPerWord == 0 {
		tokensPerWord = 1.3
	}
	// Entries average ~2 words.
	entries := int(float64(available) * maxExclusionShare / (tokensPerWord * 2))
	if entries < minExclusions {
		entries = minExclusions
	}
	return entries
}
