// Package worker implements the generation loop that runs inside each
// attropy-worker process: select a provider, build the prompt, call the
// backend, parse and pre-filter the response, and emit the surviving
// candidates to the orchestrator over the framed TCP connection.
//
// The loop is single-threaded and cooperative. Commands received from the
// orchestrator are applied between generation cycles, never mid-cycle;
// the only exception is Ping, answered immediately from the read loop so
// liveness does not depend on provider latency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attropy/attropy/internal/config"
	"github.com/attropy/attropy/internal/dedupe"
	"github.com/attropy/attropy/internal/provider"
	"github.com/attropy/attropy/internal/wire"
)

// Options configures a Runner.
type Options struct {
	ID       string
	Backends map[string]provider.Provider
	Catalog  config.Catalog
	Logger   *slog.Logger

	BackoffBase      time.Duration
	BackoffMax       time.Duration
	ProviderCooldown time.Duration
}

// Runner drives one worker's generation loop over an established
// orchestrator connection.
type Runner struct {
	id       string
	conn     net.Conn
	backends map[string]provider.Provider
	catalog  config.Catalog
	logger   *slog.Logger

	backoffBase      time.Duration
	backoffMax       time.Duration
	providerCooldown time.Duration

	writeMu sync.Mutex
	cmds    chan any

	// Loop state, touched only from Run's goroutine.
	topic      string
	prompt     string
	params     wire.Params
	budget     int
	models     map[string]string
	router     *provider.Router
	filter     *dedupe.LocalFilter
	exclusions []string
	stats      wire.StatsSnapshot
	lastErr    string
}

// New creates a Runner over an established connection.
func New(conn net.Conn, opts Options) *Runner {
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.ProviderCooldown == 0 {
		opts.ProviderCooldown = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		id:               opts.ID,
		conn:             conn,
		backends:         opts.Backends,
		catalog:          opts.Catalog,
		logger:           opts.Logger,
		backoffBase:      opts.BackoffBase,
		backoffMax:       opts.BackoffMax,
		providerCooldown: opts.ProviderCooldown,
		cmds:             make(chan any, 16),
	}
}

// Run performs the connection handshake, waits for Start, and generates
// until Stop, budget exhaustion, connection loss, or ctx cancellation.
func (r *Runner) Run(ctx context.Context) error {
	defer func() { _ = r.conn.Close() }()

	if err := r.send(&wire.Hello{ProducerID: r.id, Capabilities: []string{"bloom-v1"}}); err != nil {
		return err
	}
	if err := r.sendStatus(wire.StateReady); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go r.readLoop(readErr)

	// Wait for Start.
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case cmd := <-r.cmds:
			switch m := cmd.(type) {
			case *wire.Start:
				r.applyStart(m)
			case *wire.Stop:
				return r.shutdown()
			default:
				r.applyCommand(cmd)
				continue
			}
		}
		if r.topic != "" {
			break
		}
	}

	r.logger.Info("worker: generation starting", "producer_id", r.id, "topic", r.topic)

	backoffExp := 0
	for {
		// Apply everything queued between cycles.
		for {
			select {
			case cmd := <-r.cmds:
				switch m := cmd.(type) {
				case *wire.Stop:
					return r.shutdown()
				case *wire.Start:
					r.applyStart(m)
				default:
					r.applyCommand(cmd)
				}
				continue
			case err := <-readErr:
				return err
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			break
		}

		if r.budget > 0 && r.stats.IterationsDone >= r.budget {
			r.lastErr = ""
			r.logger.Info("worker: iteration budget exhausted", "producer_id", r.id, "iterations", r.stats.IterationsDone)
			if err := r.sendStatusDetail(wire.StateStopping, "budget_exhausted"); err != nil {
				return err
			}
			return r.waitForStop(ctx, readErr)
		}

		backend, err := r.router.Pick(time.Now())
		if err != nil {
			// Every provider is cooling down: exponential backoff, then retry.
			delay := r.backoffBase << backoffExp
			if delay > r.backoffMax {
				delay = r.backoffMax
			} else if delay < r.backoffMax {
				backoffExp++
			}
			if stopped, err := r.sleep(ctx, readErr, delay); stopped || err != nil {
				if stopped {
					return r.shutdown()
				}
				return err
			}
			continue
		}
		backoffExp = 0

		if err := r.cycle(ctx, backend); err != nil {
			return err
		}
	}
}

// cycle performs one generation attempt against a chosen backend.
func (r *Runner) cycle(ctx context.Context, backend provider.Provider) error {
	spec, _ := r.catalog.Provider(backend.ID())
	model := r.modelFor(spec)

	prompt := BuildPrompt(r.prompt, r.topic, r.params.BatchSize, r.params.MaxTokens, r.exclusions, spec, model)

	start := time.Now()
	res, err := backend.Generate(ctx, provider.Request{
		Prompt:      prompt,
		Model:       model.Name,
		Temperature: r.params.Temperature,
		MaxTokens:   r.params.MaxTokens,
	})
	latency := time.Since(start)
	r.stats.Requests++

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.stats.TransientErrors++
		r.stats.ConsecutiveFailures++
		r.lastErr = err.Error()
		r.router.ReportFailure(backend.ID(), time.Now())
		r.logger.Warn("worker: provider call failed",
			"producer_id", r.id, "provider", backend.ID(), "kind", string(provider.KindOf(err)), "error", err)
		return r.sendFailure(backend.ID(), model.Name, string(provider.KindOf(err)), latency, start)
	}
	r.stats.ConsecutiveFailures = 0
	r.router.ReportSuccess(backend.ID())

	candidates := Parse(res.Text, r.params.BatchSize)
	if len(candidates) == 0 {
		// Malformed provider output: a failed cycle, not a dead worker.
		r.stats.TransientErrors++
		r.lastErr = "no candidates parsed from provider output"
		return r.sendFailure(backend.ID(), model.Name, string(provider.KindMalformed), latency, start)
	}

	survivors := candidates
	if r.filter != nil {
		survivors = make([]string, 0, len(candidates))
		for _, c := range candidates {
			if !r.filter.Seen(c) {
				survivors = append(survivors, c)
			}
		}
	}

	r.stats.IterationsDone++
	r.stats.Batches++
	r.stats.CandidatesEmitted += len(survivors)

	return r.send(&wire.AttributeBatch{
		ProducerID: r.id,
		BatchID:    uuid.NewString(),
		Candidates: survivors,
		ProviderID: backend.ID(),
		Model:      model.Name,
		TokensIn:   res.TokensIn,
		TokensOut:  res.TokensOut,
		LatencyMS:  latency.Milliseconds(),
		RequestTS:  start.UnixMilli(),
	})
}

// modelFor resolves the model the run assigned to a provider, falling
// back to the catalog's first listed model.
func (r *Runner) modelFor(spec config.ProviderSpec) config.ModelSpec {
	if len(spec.Models) == 0 {
		return config.ModelSpec{Name: "default", ContextWindow: 4096}
	}
	if name, ok := r.models[spec.ID]; ok && name != "" {
		return spec.Model(name)
	}
	return spec.Models[0]
}

func (r *Runner) applyStart(m *wire.Start) {
	r.topic = m.Topic
	r.prompt = m.Prompt
	r.params = m.Params
	r.budget = m.IterationBudget
	r.models = m.Models
	order := make([]string, 0, len(r.backends))
	for _, spec := range r.catalog.Providers {
		if _, ok := r.backends[spec.ID]; ok {
			if _, weighted := m.Weights[spec.ID]; weighted || len(m.Weights) == 0 {
				order = append(order, spec.ID)
			}
		}
	}
	if len(order) == 0 {
		for id := range r.backends {
			order = append(order, id)
		}
	}
	r.router = provider.NewRouter(m.Strategy, order, r.backends, m.Weights, r.providerCooldown, time.Now().UnixNano())
}

func (r *Runner) applyCommand(cmd any) {
	switch m := cmd.(type) {
	case *wire.UpdateBloom:
		filter, err := dedupe.OpenSnapshot(m.Version, m.Filter)
		if err != nil {
			r.logger.Warn("worker: bad bloom snapshot", "producer_id", r.id, "error", err)
			return
		}
		r.filter = filter
		if len(m.RecentUniques) > 0 {
			r.exclusions = m.RecentUniques
		}
	case *wire.UpdateConfig:
		if m.Prompt != nil {
			r.prompt = *m.Prompt
		}
		if len(m.Weights) > 0 && r.router != nil {
			r.router.SetWeights(m.Weights)
		}
		if m.Params != nil {
			r.params = *m.Params
		}
	}
}

// readLoop decodes inbound frames. Pings are answered inline so liveness
// holds even while a provider call blocks the main loop.
func (r *Runner) readLoop(readErr chan<- error) {
	for {
		msg, err := wire.ReadMessage(r.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				readErr <- nil
				return
			}
			readErr <- fmt.Errorf("worker: read: %w", err)
			return
		}
		if ping, ok := msg.(*wire.Ping); ok {
			if err := r.send(&wire.Pong{Nonce: ping.Nonce}); err != nil {
				readErr <- err
				return
			}
			continue
		}
		r.cmds <- msg
	}
}

// sleep waits for the delay while staying responsive to Stop and
// connection loss. The bool return reports that Stop arrived.
func (r *Runner) sleep(ctx context.Context, readErr <-chan error, delay time.Duration) (bool, error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case err := <-readErr:
			return false, err
		case cmd := <-r.cmds:
			if _, stop := cmd.(*wire.Stop); stop {
				return true, nil
			}
			r.applyCommand(cmd)
		}
	}
}

// waitForStop idles after budget exhaustion until the orchestrator ends
// the run.
func (r *Runner) waitForStop(ctx context.Context, readErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case cmd := <-r.cmds:
			if _, stop := cmd.(*wire.Stop); stop {
				return r.shutdown()
			}
			r.applyCommand(cmd)
		}
	}
}

// shutdown sends the final status frame and closes.
func (r *Runner) shutdown() error {
	_ = r.sendStatusDetail(wire.StateStopping, r.lastErr)
	return nil
}

func (r *Runner) sendStatus(state string) error {
	return r.sendStatusDetail(state, "")
}

// sendFailure reports a failed cycle with enough detail for the
// orchestrator's performance accounting.
func (r *Runner) sendFailure(providerID, model, errKind string, latency time.Duration, start time.Time) error {
	return r.send(&wire.StatusUpdate{
		ProducerID: r.id,
		State:      wire.StateWorking,
		LastError:  r.lastErr,
		Stats:      r.stats,
		Failure: &wire.FailureReport{
			ProviderID: providerID,
			Model:      model,
			ErrKind:    errKind,
			LatencyMS:  latency.Milliseconds(),
			RequestTS:  start.UnixMilli(),
		},
	})
}

func (r *Runner) sendStatusDetail(state, lastErr string) error {
	return r.send(&wire.StatusUpdate{
		ProducerID: r.id,
		State:      state,
		LastError:  lastErr,
		Stats:      r.stats,
	})
}

func (r *Runner) send(msg any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return wire.WriteMessage(r.conn, msg)
}

// Dial connects to the orchestrator and runs the worker until completion.
func Dial(ctx context.Context, addr string, opts Options) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("worker: dial orchestrator %s: %w", addr, err)
	}
	return New(conn, opts).Run(ctx)
}
