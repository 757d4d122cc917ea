package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/attropy/attropy/internal/optimize"
	"github.com/attropy/attropy/internal/perf"
	"github.com/attropy/attropy/internal/wire"
)

// optimizeTick feeds accumulated outcomes to the strategy, invokes it, and
// applies the result as UpdateConfig diffs.
func (o *Orchestrator) optimizeTick() {
	if o.run == nil || o.run.stopping {
		return
	}

	o.strategy.UpdatePerformance(o.run.pendingOutcomes)
	o.run.pendingOutcomes = o.run.pendingOutcomes[:0]

	ids := o.liveWorkerIDs()
	if len(ids) == 0 {
		return
	}
	now := time.Now()

	assignments := make(map[string]optimize.Assignment, len(ids))
	for _, id := range ids {
		assignments[id] = o.workers[id].assignment
	}
	uamPerCost := make(map[string]float64, len(o.cfg.Routing.Providers))
	for _, p := range o.cfg.Routing.Providers {
		uamPerCost[p.ID] = o.run.perf.UAMPerCost(p.ID, now)
	}

	res := o.strategy.Optimize(optimize.Context{
		Topic:          o.run.topic,
		WorkerIDs:      ids,
		Assignments:    assignments,
		ShortUAM:       o.run.perf.UAM(perf.Filter{}, o.cfg.ShortWindow, now),
		LongUAM:        o.run.perf.UAM(perf.Filter{}, o.cfg.LongWindow, now),
		Decline:        o.run.perf.Decline(perf.Filter{}, now),
		UAMPerCost:     uamPerCost,
		DefaultPrompt:  o.run.defaults.Prompt,
		DefaultWeights: o.run.defaults.Weights,
		DefaultParams:  o.run.params,
		Now:            now,
	})

	// Run-level params move with the overrides so the next tick builds on
	// this one instead of re-deriving from the initial configuration.
	newParams := o.run.params
	if res.ParamOverrides.Temperature != nil {
		newParams.Temperature = *res.ParamOverrides.Temperature
	}
	if res.ParamOverrides.BatchSize != nil {
		newParams.BatchSize = *res.ParamOverrides.BatchSize
	}
	o.run.params = newParams

	for _, id := range ids {
		rec := o.workers[id]
		update := &wire.UpdateConfig{}
		changed := false

		if prompt, ok := res.PerWorkerPrompt[id]; ok && prompt != rec.assignment.Prompt {
			p := prompt
			update.Prompt = &p
			rec.assignment.Prompt = prompt
			rec.assignment.PromptTag = res.PerWorkerPromptTag[id]
			changed = true
		}
		if weights, ok := res.PerWorkerWeights[id]; ok && !sameWeights(weights, rec.assignment.Weights) {
			update.Weights = weights
			rec.assignment.Weights = weights
			changed = true
		}
		if newParams != rec.assignment.Params {
			p := newParams
			update.Params = &p
			rec.assignment.Params = newParams
			changed = true
		}

		if changed && rec.queue != nil {
			if err := rec.queue.push(update); err != nil {
				o.logger.Warn("config update enqueue failed", "producer_id", id, "error", err)
			}
		}
	}

	if res.Level > optimize.LevelNone {
		o.logger.Info("optimization applied", "level", res.Level.String(), "rationale", res.Rationale)
	}
}

func sameWeights(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (o *Orchestrator) liveWorkerIDs() []string {
	ids := make([]string, 0, len(o.workers))
	for id, rec := range o.workers {
		if rec.status != statusDead {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// bloomTick broadcasts the current snapshot to every accepting worker if
// state changed since the last broadcast. Running on the broadcast
// interval coalesces any number of changes into at most one send per
// interval, carrying the newest snapshot.
func (o *Orchestrator) bloomTick() {
	if o.run == nil || !o.run.bloomDirty {
		return
	}
	snap, err := o.run.tracker.Snapshot()
	if err != nil {
		o.logger.Error("bloom snapshot failed", "error", err)
		return
	}
	msg := &wire.UpdateBloom{
		Version:       snap.Version,
		Filter:        snap.Filter,
		RecentUniques: snap.Recent,
	}
	sent := 0
	for _, rec := range o.workers {
		if rec.accepting() && rec.queue != nil {
			if err := rec.queue.push(msg); err == nil {
				sent++
			}
		}
	}
	o.run.bloomDirty = false
	o.logger.Debug("bloom snapshot broadcast",
		"version", snap.Version, "bytes", len(snap.Filter), "workers", sent)
}

// syncTick flushes buffered sink writes.
func (o *Orchestrator) syncTick() {
	if o.run == nil {
		return
	}
	if err := o.run.sink.Flush(); err != nil {
		// Entries stay buffered; Append enforces the pending limit and
		// escalates to a fatal error if the backlog keeps growing.
		o.logger.Error("sink flush failed", "error", err, "pending", o.run.sink.Pending())
	}
}

// livenessTick drives heartbeat probing, degraded handling, and the drain
// deadline.
func (o *Orchestrator) livenessTick(ctx context.Context) {
	if o.run == nil {
		return
	}
	now := time.Now()

	if o.run.stopping {
		if !o.run.finished && now.After(o.run.stopDeadline) {
			o.logger.Warn("drain deadline passed, killing survivors")
			o.run.finished = true
		}
		return
	}

	for _, rec := range o.workers {
		if rec.conn == nil || rec.status == statusDead {
			continue
		}

		switch rec.status {
		case statusDegraded:
			if now.Sub(rec.degradedSince) > o.cfg.DegradedGrace {
				o.logger.Warn("degraded worker did not recover, restarting", "producer_id", rec.id)
				conn := rec.conn
				rec.resetConnection()
				_ = conn.Close()
				o.restartWorker(ctx, rec)
			}
		default:
			if rec.awaitingPong {
				if now.Sub(rec.pingSent) > o.cfg.PingTimeout {
					rec.status = statusDegraded
					rec.degradedSince = now
					rec.awaitingPong = false
					o.logger.Warn("worker degraded: ping unanswered", "producer_id", rec.id)
				}
			} else if now.Sub(rec.lastFrame) > o.cfg.HeartbeatTimeout {
				rec.pingNonce++
				rec.pingSent = now
				rec.awaitingPong = true
				if rec.queue != nil {
					if err := rec.queue.push(&wire.Ping{Nonce: rec.pingNonce}); err != nil {
						o.logger.Warn("ping enqueue failed", "producer_id", rec.id, "error", err)
					}
				}
			}
		}
	}
}

// Summary renders the user-visible one-line result for a finished run.
func Summary(topic, reason string, unique, requests int, elapsed time.Duration) string {
	return fmt.Sprintf("topic %q: %d unique attributes from %d requests in %s (%s)",
		topic, unique, requests, elapsed.Round(time.Second), reason)
}
