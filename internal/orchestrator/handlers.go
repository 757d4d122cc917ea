package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/attropy/attropy/internal/archive"
	"github.com/attropy/attropy/internal/feed"
	"github.com/attropy/attropy/internal/perf"
	"github.com/attropy/attropy/internal/sink"
	"github.com/attropy/attropy/internal/wire"
)

func openArchive(ctx context.Context, dir, runID, topic string, startedAt time.Time) (archiveWriter, error) {
	a, err := archive.Open(ctx, dir, runID, topic, startedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (o *Orchestrator) handleMessage(ctx context.Context, ev evMsg) {
	rec, ok := o.workers[ev.id]
	if !ok || o.run == nil {
		return
	}
	rec.lastFrame = time.Now()
	if rec.status == statusDegraded {
		// Any frame proves the worker is alive again.
		rec.status = statusWorking
		rec.awaitingPong = false
	}

	switch m := ev.msg.(type) {
	case *wire.Hello:
		if m.ProducerID != rec.id {
			o.logger.Error("worker identity mismatch, closing",
				"expected", rec.id, "got", m.ProducerID)
			_ = rec.conn.Close()
			return
		}
		o.logger.Debug("worker connected", "producer_id", rec.id)

	case *wire.StatusUpdate:
		o.handleStatus(ctx, rec, m)

	case *wire.AttributeBatch:
		o.handleBatch(ctx, rec, m)

	case *wire.Pong:
		if rec.awaitingPong && m.Nonce == rec.pingNonce {
			rec.awaitingPong = false
		}
	}
}

func (o *Orchestrator) handleStatus(ctx context.Context, rec *workerRecord, m *wire.StatusUpdate) {
	rec.stats = m.Stats
	rec.lastError = m.LastError

	// Failed cycles reach the performance tracker too.
	if m.Failure != nil {
		outcome := perf.Outcome{
			ProducerID: rec.id,
			ProviderID: m.Failure.ProviderID,
			Model:      m.Failure.Model,
			PromptTag:  rec.assignment.PromptTag,
			Start:      time.UnixMilli(m.Failure.RequestTS),
			Latency:    time.Duration(m.Failure.LatencyMS) * time.Millisecond,
			OK:         false,
			ErrKind:    m.Failure.ErrKind,
		}
		o.run.perf.Record(outcome)
		o.run.pendingOutcomes = append(o.run.pendingOutcomes, outcome)
		o.run.requests++
		o.archiveOutcome(ctx, outcome)
	}

	switch m.State {
	case wire.StateReady:
		if !rec.ready {
			rec.ready = true
			rec.status = statusReady
			o.sendStart(rec)
		}
	case wire.StateStopping:
		if m.LastError == "budget_exhausted" {
			rec.budgetDone = true
			o.checkBudget()
		} else if o.run.stopping {
			rec.status = statusStopping
		}
	}
}

// sendStart pushes the worker's current assignment plus, if the run has
// already discovered anything, the current bloom snapshot. Covers both
// fresh workers and respawned ones resuming mid-run.
func (o *Orchestrator) sendStart(rec *workerRecord) {
	models := make(map[string]string, len(o.cfg.Routing.Providers))
	for _, p := range o.cfg.Routing.Providers {
		models[p.ID] = p.Model
	}
	start := &wire.Start{
		RunID:           o.run.id,
		Topic:           o.run.topic,
		Prompt:          rec.assignment.Prompt,
		Strategy:        o.cfg.Routing.Strategy,
		Weights:         rec.assignment.Weights,
		Models:          models,
		Params:          rec.assignment.Params,
		IterationBudget: o.cfg.IterationBudget,
	}
	if err := rec.queue.push(start); err != nil {
		o.logger.Error("worker queue rejected start", "producer_id", rec.id, "error", err)
		return
	}
	if o.run.tracker.Len() > 0 {
		if snap, err := o.run.tracker.Snapshot(); err == nil {
			_ = rec.queue.push(&wire.UpdateBloom{
				Version:       snap.Version,
				Filter:        snap.Filter,
				RecentUniques: snap.Recent,
			})
		}
	}
	if o.run.stopping {
		_ = rec.queue.push(&wire.Stop{})
	}
}

func (o *Orchestrator) handleBatch(ctx context.Context, rec *workerRecord, m *wire.AttributeBatch) {
	if !rec.accepting() {
		if !rec.droppedLogged {
			o.logger.Warn("batch dropped: worker not ready", "producer_id", rec.id)
			rec.droppedLogged = true
		}
		return
	}
	rec.status = statusWorking

	res := o.run.tracker.Ingest(m.Candidates)
	o.ingestedCtr.Add(ctx, int64(len(m.Candidates)))
	o.uniqueCtr.Add(ctx, int64(len(res.NewUnique)))

	now := time.Now()
	if len(res.NewUnique) > 0 {
		entries := make([]sink.Entry, len(res.NewUnique))
		for i, attr := range res.NewUnique {
			entries[i] = sink.Entry{
				Attr:       attr,
				ProducerID: m.ProducerID,
				ProviderID: m.ProviderID,
				Model:      m.Model,
				TS:         now,
			}
		}
		if err := o.run.sink.Append(entries); err != nil {
			o.fatal(fmt.Errorf("%w: %v", ErrRuntime, err))
			return
		}
		if o.run.arch != nil {
			if err := o.run.arch.AppendAttributes(ctx, entries); err != nil {
				o.logger.Warn("archive append failed", "error", err)
			}
		}
		o.run.bloomDirty = true
		o.run.recent = append(o.run.recent, res.NewUnique...)
		if len(o.run.recent) > recentAttributes {
			o.run.recent = o.run.recent[len(o.run.recent)-recentAttributes:]
		}
	}

	outcome := perf.Outcome{
		ProducerID: m.ProducerID,
		ProviderID: m.ProviderID,
		Model:      m.Model,
		PromptTag:  rec.assignment.PromptTag,
		Start:      time.UnixMilli(m.RequestTS),
		Latency:    time.Duration(m.LatencyMS) * time.Millisecond,
		TokensIn:   m.TokensIn,
		TokensOut:  m.TokensOut,
		Candidates: len(m.Candidates),
		NewUnique:  len(res.NewUnique),
		OK:         true,
	}
	o.run.perf.Record(outcome)
	o.run.pendingOutcomes = append(o.run.pendingOutcomes, outcome)
	o.run.requests++
	o.archiveOutcome(ctx, outcome)

	o.logger.Debug("batch ingested",
		"producer_id", m.ProducerID, "candidates", len(m.Candidates),
		"new_unique", len(res.NewUnique), "total_unique", o.run.tracker.Len())
	o.publishMetrics()
}

func (o *Orchestrator) archiveOutcome(ctx context.Context, outcome perf.Outcome) {
	if o.run.arch == nil {
		return
	}
	if err := o.run.arch.AppendOutcome(ctx, outcome); err != nil {
		o.logger.Warn("archive outcome failed", "error", err)
	}
}

// handleClosed reacts to a worker connection dropping. During normal
// operation that is a crash (restart policy applies); during stopping it
// is the expected drain.
func (o *Orchestrator) handleClosed(ctx context.Context, ev evClosed) {
	rec, ok := o.workers[ev.id]
	if !ok || rec.conn != ev.conn {
		return // stale notification for an already-replaced connection
	}
	rec.resetConnection()

	if o.run == nil || o.run.finished {
		return
	}
	if o.run.stopping || rec.budgetDone {
		rec.status = statusStopping
		o.checkDrained()
		return
	}

	o.logger.Warn("worker connection lost", "producer_id", rec.id)
	o.restartWorker(ctx, rec)
}

// restartWorker applies the restart policy; a worker over its cap goes
// Dead and the run continues with fewer workers.
func (o *Orchestrator) restartWorker(ctx context.Context, rec *workerRecord) {
	now := time.Now()
	ok, err := o.sup.Restart(ctx, rec.id, rec.addr, now)
	if err != nil {
		o.logger.Error("worker restart failed", "producer_id", rec.id, "error", err)
		rec.status = statusDead
	} else if !ok {
		o.logger.Error("worker exceeded restart cap, marking dead",
			"producer_id", rec.id, "restarts", o.sup.RestartCount(rec.id, now))
		rec.status = statusDead
	} else {
		rec.status = statusSpawning
	}
	o.checkAllDead()
}

func (o *Orchestrator) checkAllDead() {
	for _, rec := range o.workers {
		if rec.status != statusDead {
			return
		}
	}
	o.logger.Error("all workers dead, ending run")
	o.runErr = fmt.Errorf("%w: all workers dead", ErrRuntime)
	o.beginStop("crashed")
}

// checkBudget ends the run once every non-dead worker has exhausted its
// iteration budget.
func (o *Orchestrator) checkBudget() {
	if o.cfg.IterationBudget <= 0 || o.run.stopping {
		return
	}
	for _, rec := range o.workers {
		if rec.status != statusDead && !rec.budgetDone {
			return
		}
	}
	o.beginStop("budget_exhausted")
}

// beginStop starts the drain phase. Idempotent: a second stop is a no-op,
// leaving the terminal state identical.
func (o *Orchestrator) beginStop(reason string) {
	if o.run == nil || o.run.stopping {
		return
	}
	o.run.stopping = true
	o.run.stopReason = reason
	o.run.stopDeadline = time.Now().Add(o.cfg.DrainDeadline)
	o.logger.Info("run stopping", "reason", reason, "drain_deadline", o.cfg.DrainDeadline)

	for _, rec := range o.workers {
		if rec.live() && rec.queue != nil {
			if err := rec.queue.push(&wire.Stop{}); err != nil {
				// Stalled queue: the drain deadline will reap the process.
				o.logger.Warn("stop enqueue failed", "producer_id", rec.id, "error", err)
			}
		}
	}
	o.checkDrained()
}

// checkDrained finishes the run once every connection has closed.
func (o *Orchestrator) checkDrained() {
	if o.run == nil || !o.run.stopping || o.run.finished {
		return
	}
	for _, rec := range o.workers {
		if rec.conn != nil {
			return
		}
	}
	o.run.finished = true
}

// finalizeRun flushes and closes everything for the ended run.
func (o *Orchestrator) finalizeRun(ctx context.Context) {
	run := o.run
	now := time.Now()

	o.sup.KillAll()
	for _, rec := range o.workers {
		if rec.conn != nil {
			_ = rec.conn.Close()
		}
		rec.resetConnection()
		_ = rec.listener.Close()
	}
	o.workers = make(map[string]*workerRecord)

	byProvider := make(map[string]any)
	for id, stats := range run.perf.Breakdown(now) {
		byProvider[id] = stats
	}
	meta := sink.Metadata{
		Topic:         run.topic,
		StartedAt:     run.startedAt,
		EndedAt:       now,
		TotalUnique:   run.tracker.Len(),
		TotalRequests: run.requests,
		Duplicates:    run.tracker.TotalStats().Duplicates,
		StopReason:    run.stopReason,
		UAMShort:      run.perf.UAM(perf.Filter{}, o.cfg.ShortWindow, now),
		ByProvider:    byProvider,
	}
	if err := run.sink.Finalize(meta); err != nil {
		o.logger.Error("sink finalize failed", "error", err)
		if o.runErr == nil {
			o.runErr = fmt.Errorf("%w: %v", ErrRuntime, err)
		}
	}
	if run.arch != nil {
		if err := run.arch.Close(ctx, now, run.stopReason); err != nil {
			o.logger.Warn("archive close failed", "error", err)
		}
	}

	o.logger.Info("run finished",
		"topic", run.topic,
		"reason", run.stopReason,
		"total_unique", run.tracker.Len(),
		"requests", run.requests,
		"duration", now.Sub(run.startedAt).Round(time.Second))
	fmt.Fprintln(os.Stderr, Summary(run.topic, run.stopReason, run.tracker.Len(), run.requests, now.Sub(run.startedAt)))

	o.run = nil
}

// fatal records an unrecoverable error and forces the run down.
func (o *Orchestrator) fatal(err error) {
	o.logger.Error("fatal orchestrator error", "error", err)
	if o.runErr == nil {
		o.runErr = err
	}
	if o.run == nil {
		return
	}
	if !o.run.stopping {
		o.beginStop("failed")
	}
	// Don't wait out the drain on a fatal path.
	o.run.stopDeadline = time.Now()
}

// publishMetrics pushes a dashboard frame.
func (o *Orchestrator) publishMetrics() {
	if o.broker == nil || o.run == nil {
		return
	}
	now := time.Now()
	active := 0
	for _, rec := range o.workers {
		if rec.accepting() {
			active++
		}
	}
	recent := make([]string, len(o.run.recent))
	copy(recent, o.run.recent)
	o.broker.Publish(feed.Metrics{
		TotalUnique:      o.run.tracker.Len(),
		UAM:              o.run.perf.UAM(perf.Filter{}, o.cfg.ShortWindow, now),
		ActiveWorkers:    active,
		ByProvider:       o.run.perf.Breakdown(now),
		RecentAttributes: recent,
		UptimeS:          now.Sub(o.run.startedAt).Seconds(),
		Topic:            o.run.topic,
	})
}
