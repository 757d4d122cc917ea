package optimize

import (
	"fmt"
	"sort"
	"time"

	"github.com/attropy/attropy/internal/perf"
)

// Adaptive rotation tuning knobs.
const (
	templateCooldown = 60 * time.Second
	temperatureStep  = 0.1
	batchWidenPct    = 20
	weightBias       = 1.5
)

// Decline thresholds mapping to adaptation levels. Between the release
// threshold and the minimal threshold the current level is kept
// (hysteresis against flapping).
const (
	declineRelease    = 0.05
	declineMinimal    = 0.15
	declineModerate   = 0.30
	declineAggressive = 0.50
)

// Adaptive detects UAM decline and responds by diversifying prompts across
// workers, loosening generation parameters, and — under heavy decline —
// biasing routing toward the most cost-effective provider.
type Adaptive struct {
	templates []Template
	stats     map[string]*TemplateStat
	level     Level
	lastAdapt time.Time
}

// NewAdaptive creates an adaptive strategy over the built-in catalog.
func NewAdaptive() *Adaptive {
	return NewAdaptiveWithCatalog(Catalog())
}

// NewAdaptiveWithCatalog creates an adaptive strategy over a custom
// template catalog (used by tests).
func NewAdaptiveWithCatalog(templates []Template) *Adaptive {
	stats := make(map[string]*TemplateStat, len(templates))
	for _, tpl := range templates {
		stats[tpl.Tag] = &TemplateStat{}
	}
	return &Adaptive{templates: templates, stats: stats}
}

// Optimize applies the decline→level decision rule and produces this
// tick's assignments.
func (a *Adaptive) Optimize(ctx Context) Result {
	a.level = nextLevel(a.level, ctx.Decline)

	res := Result{
		PerWorkerPrompt:    map[string]string{},
		PerWorkerPromptTag: map[string]string{},
		PerWorkerWeights:   map[string]map[string]float64{},
		Level:              a.level,
	}

	if a.level == LevelNone {
		for _, id := range ctx.WorkerIDs {
			res.PerWorkerPrompt[id] = ctx.DefaultPrompt
			res.PerWorkerPromptTag[id] = "default"
			res.PerWorkerWeights[id] = ctx.DefaultWeights
		}
		res.Rationale = fmt.Sprintf("adaptive: decline %.2f, steady state", ctx.Decline)
		return res
	}

	a.lastAdapt = ctx.Now

	// Distinct templates across workers: rank by rolling UAM attribution,
	// skip templates used within the cooldown (unless that would leave
	// fewer templates than workers need).
	ranked := a.rankedTemplates(ctx.Now, len(ctx.WorkerIDs))
	for i, id := range ctx.WorkerIDs {
		tpl := ranked[i%len(ranked)]
		res.PerWorkerPrompt[id] = tpl.Text
		res.PerWorkerPromptTag[id] = tpl.Tag
		res.PerWorkerWeights[id] = ctx.DefaultWeights
		stat := a.stats[tpl.Tag]
		stat.UsageCount++
		stat.LastUsed = ctx.Now
	}

	if a.level >= LevelModerate {
		temp := clampTemperature(ctx.DefaultParams.Temperature + temperatureStep)
		batch := ctx.DefaultParams.BatchSize * (100 + batchWidenPct) / 100
		res.ParamOverrides = Overrides{Temperature: &temp, BatchSize: &batch}
	}

	if a.level >= LevelAggressive {
		if best := bestProvider(ctx.UAMPerCost); best != "" {
			for _, id := range ctx.WorkerIDs {
				res.PerWorkerWeights[id] = biasWeights(ctx.DefaultWeights, best)
			}
		}
	}

	res.Rationale = fmt.Sprintf("adaptive: decline %.2f → %s adaptation, %d templates rotated",
		ctx.Decline, a.level, min(len(ranked), len(ctx.WorkerIDs)))
	return res
}

// nextLevel maps decline to an adaptation level, keeping the current level
// inside the hysteresis band.
func nextLevel(current Level, decline float64) Level {
	switch {
	case decline >= declineAggressive:
		return LevelAggressive
	case decline >= declineModerate:
		return LevelModerate
	case decline >= declineMinimal:
		return LevelMinimal
	case decline < declineRelease:
		return LevelNone
	default:
		return current
	}
}

// rankedTemplates orders the catalog by cumulative UAM attribution,
// excluding templates inside their cooldown when enough remain to cover
// every worker.
func (a *Adaptive) rankedTemplates(now time.Time, workers int) []Template {
	eligible := make([]Template, 0, len(a.templates))
	var cooled []Template
	for _, tpl := range a.templates {
		stat := a.stats[tpl.Tag]
		if !stat.LastUsed.IsZero() && now.Sub(stat.LastUsed) < templateCooldown {
			cooled = append(cooled, tpl)
			continue
		}
		eligible = append(eligible, tpl)
	}
	if len(eligible) < workers {
		eligible = append(eligible, cooled...)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return a.stats[eligible[i].Tag].TotalUAM > a.stats[eligible[j].Tag].TotalUAM
	})
	return eligible
}

func bestProvider(uamPerCost map[string]float64) string {
	best, bestScore := "", -1.0
	ids := make([]string, 0, len(uamPerCost))
	for id := range uamPerCost {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic tie-break
	for _, id := range ids {
		if uamPerCost[id] > bestScore {
			best, bestScore = id, uamPerCost[id]
		}
	}
	return best
}

// biasWeights boosts the best provider's weight and renormalizes.
func biasWeights(weights map[string]float64, best string) map[string]float64 {
	if _, ok := weights[best]; !ok {
		return weights
	}
	out := make(map[string]float64, len(weights))
	total := 0.0
	for id, w := range weights {
		if id == best {
			w *= weightBias
		}
		out[id] = w
		total += w
	}
	if total > 0 {
		for id := range out {
			out[id] /= total
		}
	}
	return out
}

// UpdatePerformance credits unique attributes to the prompt template that
// was assigned when each batch was received. Credit never moves when
// assignments change later.
func (a *Adaptive) UpdatePerformance(outcomes []perf.Outcome) {
	for _, o := range outcomes {
		if stat, ok := a.stats[o.PromptTag]; ok {
			stat.TotalUAM += float64(o.NewUnique)
		}
	}
}

// Reset clears rolling state but keeps the catalog.
func (a *Adaptive) Reset() {
	for _, stat := range a.stats {
		*stat = TemplateStat{}
	}
	a.level = LevelNone
	a.lastAdapt = time.Time{}
}

// State returns an inspectable snapshot.
func (a *Adaptive) State() State {
	templates := make(map[string]TemplateStat, len(a.stats))
	for tag, stat := range a.stats {
		templates[tag] = *stat
	}
	return State{
		Name:           "adaptive",
		Level:          a.level,
		LastAdaptation: a.lastAdapt,
		Templates:      templates,
	}
}
