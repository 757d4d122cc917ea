// Package orchestrator is the system's coordinator: it spawns and
// supervises workers, deduplicates their candidate streams into the global
// unique set, tracks performance, runs the optimization loop, and persists
// results.
//
// All core state — the uniqueness tracker, the performance tracker, the
// sink, worker records — is mutated by exactly one goroutine, the central
// event loop. Readers, writers, accept loops, and the feed server only do
// IO and communicate with the loop through channels, which removes the
// need for locks on any of it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/attropy/attropy/internal/config"
	"github.com/attropy/attropy/internal/dedupe"
	"github.com/attropy/attropy/internal/feed"
	"github.com/attropy/attropy/internal/optimize"
	"github.com/attropy/attropy/internal/perf"
	"github.com/attropy/attropy/internal/sink"
	"github.com/attropy/attropy/internal/supervisor"
	"github.com/attropy/attropy/internal/telemetry"
	"github.com/attropy/attropy/internal/wire"
)

// ErrRuntime marks unrecoverable runtime failures; main maps it to exit
// code 2.
var ErrRuntime = errors.New("unrecoverable runtime error")

const (
	eventQueueCapacity  = 1024
	writerQueueCapacity = 64
	livenessInterval    = time.Second
	recentAttributes    = 20
)

// Options wires an Orchestrator.
type Options struct {
	Config   config.Config
	Catalog  config.Catalog
	Strategy optimize.Strategy
	Spawner  supervisor.Spawner
	Logger   *slog.Logger
	Broker   *feed.Broker // optional: metrics feed
	Controls <-chan any   // optional: dashboard control commands
}

// Orchestrator coordinates one TopicRun at a time.
type Orchestrator struct {
	cfg      config.Config
	catalog  config.Catalog
	strategy optimize.Strategy
	sup      *supervisor.Supervisor
	logger   *slog.Logger
	broker   *feed.Broker
	controls <-chan any

	events   chan any
	loopDone chan struct{}

	workers map[string]*workerRecord
	run     *runState
	runErr  error

	ingestedCtr metric.Int64Counter
	uniqueCtr   metric.Int64Counter
}

// runState is the per-TopicRun mutable state.
type runState struct {
	id        string
	topic     string
	startedAt time.Time

	sink *sink.Sink
	arch archiveWriter

	tracker *dedupe.Tracker
	perf    *perf.Tracker

	defaults optimize.Assignment
	params   wire.Params

	bloomDirty      bool
	pendingOutcomes []perf.Outcome
	recent          []string
	requests        int

	stopping     bool
	stopReason   string
	stopDeadline time.Time
	finished     bool
}

// archiveWriter is the slice of the archive the orchestrator uses; nil
// when archiving is disabled.
type archiveWriter interface {
	AppendAttributes(ctx context.Context, entries []sink.Entry) error
	AppendOutcome(ctx context.Context, o perf.Outcome) error
	Close(ctx context.Context, endedAt time.Time, stopReason string) error
}

// Internal events posted to the central loop.
type (
	evConn   struct{ id string; conn net.Conn }
	evMsg    struct{ id string; msg any }
	evClosed struct {
		id   string
		conn net.Conn
		err  error
	}
)

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	meter := telemetry.Meter("attropy/orchestrator")
	ingested, _ := meter.Int64Counter("attropy.candidates.ingested",
		metric.WithDescription("Candidate attributes received from workers"))
	unique, _ := meter.Int64Counter("attropy.attributes.unique",
		metric.WithDescription("Unique attributes discovered"))

	return &Orchestrator{
		cfg:         opts.Config,
		catalog:     opts.Catalog,
		strategy:    opts.Strategy,
		sup:         supervisor.New(opts.Spawner, opts.Logger, opts.Config.MaxRestarts, opts.Config.RestartWindow),
		logger:      opts.Logger,
		broker:      opts.Broker,
		controls:    opts.Controls,
		events:      make(chan any, eventQueueCapacity),
		loopDone:    make(chan struct{}),
		workers:     make(map[string]*workerRecord),
		ingestedCtr: ingested,
		uniqueCtr:   unique,
	}
}

// Run is the central event loop. In batch mode (Config.Topic set) it
// starts the run immediately and returns when the run ends; otherwise it
// idles waiting for StartTopic control commands and returns on ctx
// cancellation.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.loopDone)

	batchMode := o.cfg.Topic != ""
	if batchMode {
		if err := o.startRun(ctx, o.cfg.Topic, o.cfg.Producers, ""); err != nil {
			return err
		}
	}

	optTick := time.NewTicker(o.cfg.OptimizationInterval)
	defer optTick.Stop()
	bloomTick := time.NewTicker(o.cfg.BloomBroadcastInterval)
	defer bloomTick.Stop()
	syncTick := time.NewTicker(o.cfg.FileSyncInterval)
	defer syncTick.Stop()
	liveTick := time.NewTicker(livenessInterval)
	defer liveTick.Stop()

	ctxDone := false
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil // fire once; keep draining events afterwards
			ctxDone = true
			o.beginStop("stopped")
			if o.run == nil {
				return o.runErr
			}
		case e := <-o.events:
			o.handleEvent(ctx, e)
		case c, ok := <-o.controls:
			if ok {
				o.handleControl(ctx, c)
			}
		case <-optTick.C:
			o.optimizeTick()
		case <-bloomTick.C:
			o.bloomTick()
		case <-syncTick.C:
			o.syncTick()
		case <-liveTick.C:
			o.livenessTick(ctx)
			o.publishMetrics()
		}

		if o.run != nil && o.run.finished {
			o.finalizeRun(ctx)
			if batchMode || ctxDone {
				return o.runErr
			}
		}
		if o.run == nil && ctxDone {
			return o.runErr
		}
	}
}

// post delivers an event to the loop without deadlocking goroutines that
// outlive it.
func (o *Orchestrator) post(e any) {
	select {
	case o.events <- e:
	case <-o.loopDone:
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, e any) {
	switch ev := e.(type) {
	case evConn:
		o.handleConn(ctx, ev)
	case evMsg:
		o.handleMessage(ctx, ev)
	case evClosed:
		o.handleClosed(ctx, ev)
	}
}

func (o *Orchestrator) handleControl(ctx context.Context, c any) {
	switch cmd := c.(type) {
	case feed.StartTopic:
		if o.run != nil {
			o.logger.Warn("control: start ignored, run in progress", "topic", cmd.Topic)
			return
		}
		producers := cmd.ProducerCount
		if producers < 1 {
			producers = o.cfg.Producers
		}
		if err := o.startRun(ctx, cmd.Topic, producers, cmd.Prompt); err != nil {
			o.logger.Error("control: start failed", "topic", cmd.Topic, "error", err)
		}
	case feed.StopGeneration:
		o.beginStop("stopped")
	}
}

// startRun creates the run state and spawns the worker fleet.
func (o *Orchestrator) startRun(ctx context.Context, topic string, producers int, promptOverride string) error {
	prompt := optimize.DefaultTemplate
	if promptOverride != "" {
		prompt = promptOverride
	}
	weights := o.cfg.Routing.Weights()
	params := wire.Params{
		Temperature: o.cfg.Temperature,
		BatchSize:   o.cfg.RequestSize,
		MaxTokens:   o.cfg.MaxTokens,
	}
	startedAt := time.Now()

	s, err := sink.Open("outputs", o.cfg.OutputDir, sink.Header{
		Topic:     topic,
		StartedAt: startedAt,
		Producers: producers,
		Prompt:    prompt,
		Weights:   weights,
	}, o.cfg.PendingWriteLimit, o.logger)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	var arch archiveWriter
	if o.cfg.ArchiveEnabled {
		a, err := openArchive(ctx, s.Dir(), runID, topic, startedAt)
		if err != nil {
			o.logger.Warn("archive disabled for this run", "error", err)
		} else {
			arch = a
		}
	}

	o.strategy.Reset()
	o.run = &runState{
		id:        runID,
		topic:     topic,
		startedAt: startedAt,
		sink:      s,
		arch:      arch,
		tracker:   dedupe.New(o.cfg.BloomCapacity, o.cfg.BloomFPRate),
		perf:      perf.New(o.cfg.ShortWindow, o.cfg.LongWindow, o.catalog.Prices()),
		defaults: optimize.Assignment{
			Prompt:    prompt,
			PromptTag: "default",
			Weights:   weights,
			Params:    params,
		},
		params: params,
	}

	o.logger.Info("run starting",
		"run_id", runID, "topic", topic, "producers", producers,
		"strategy", o.cfg.Routing.Strategy, "output", s.Dir())

	for i := 1; i <= producers; i++ {
		id := fmt.Sprintf("worker-%d", i)
		if err := o.addWorker(ctx, id); err != nil {
			o.fatal(err)
			return nil
		}
	}
	return nil
}

// addWorker opens the worker's dedicated listener, starts its accept
// loop, and spawns the process.
func (o *Orchestrator) addWorker(ctx context.Context, id string) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("orchestrator: listen for %s: %w", id, err)
	}
	rec := &workerRecord{
		id:         id,
		addr:       ln.Addr().String(),
		listener:   ln,
		status:     statusSpawning,
		assignment: o.run.defaults,
	}
	o.workers[id] = rec

	go o.acceptLoop(rec)

	if err := o.sup.Launch(ctx, id, rec.addr); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// acceptLoop accepts successive connections for one worker id; a
// respawned process reconnects to the same listener.
func (o *Orchestrator) acceptLoop(rec *workerRecord) {
	for {
		conn, err := rec.listener.Accept()
		if err != nil {
			return // listener closed on run end
		}
		o.post(evConn{id: rec.id, conn: conn})
	}
}

func (o *Orchestrator) handleConn(ctx context.Context, ev evConn) {
	rec, ok := o.workers[ev.id]
	if !ok || o.run == nil || rec.status == statusDead {
		_ = ev.conn.Close()
		return
	}
	if rec.conn != nil {
		// A replacement process connected before the old connection was
		// reaped; the newest connection wins.
		_ = rec.conn.Close()
		rec.resetConnection()
	}
	rec.conn = ev.conn
	rec.queue = newOutQueue(writerQueueCapacity)
	rec.status = statusConnecting
	rec.lastFrame = time.Now()

	go o.readLoop(rec.id, ev.conn)
	go o.writeLoop(rec.id, ev.conn, rec.queue)
}

func (o *Orchestrator) readLoop(id string, conn net.Conn) {
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			o.post(evClosed{id: id, conn: conn, err: err})
			return
		}
		o.post(evMsg{id: id, msg: msg})
	}
}

// writeLoop drains the worker's coalescing queue. It is not bound to the
// run context: during shutdown the Stop frame must still go out, so the
// loop ends only when the queue is closed or the write fails.
func (o *Orchestrator) writeLoop(id string, conn net.Conn, q *outQueue) {
	for {
		msg, ok := q.pop(context.Background())
		if !ok {
			return
		}
		if err := wire.WriteMessage(conn, msg); err != nil {
			o.post(evClosed{id: id, conn: conn, err: err})
			return
		}
	}
}
