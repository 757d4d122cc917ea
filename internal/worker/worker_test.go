package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attropy/attropy/internal/config"
	"github.com/attropy/attropy/internal/dedupe"
	"github.com/attropy/attropy/internal/provider"
	"github.com/attropy/attropy/internal/wire"
)

// harness runs a Runner over an in-memory pipe and exposes the
// orchestrator side of the conversation.
type harness struct {
	t    *testing.T
	conn net.Conn
	done chan error
}

func newHarness(t *testing.T, backends map[string]provider.Provider) *harness {
	t.Helper()
	orchSide, workerSide := net.Pipe()
	cat, err := config.LoadCatalog("")
	require.NoError(t, err)

	r := New(workerSide, Options{
		ID:               "worker-1",
		Backends:         backends,
		Catalog:          cat,
		BackoffBase:      time.Millisecond,
		BackoffMax:       4 * time.Millisecond,
		ProviderCooldown: 10 * time.Millisecond,
	})

	h := &harness{t: t, conn: orchSide, done: make(chan error, 1)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	t.Cleanup(func() { _ = orchSide.Close() })
	go func() { h.done <- r.Run(ctx) }()
	return h
}

func (h *harness) read() any {
	h.t.Helper()
	require.NoError(h.t, h.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := wire.ReadMessage(h.conn)
	require.NoError(h.t, err)
	return msg
}

func (h *harness) send(msg any) {
	h.t.Helper()
	require.NoError(h.t, wire.WriteMessage(h.conn, msg))
}

func (h *harness) expectHandshake() {
	h.t.Helper()
	hello, ok := h.read().(*wire.Hello)
	require.True(h.t, ok, "first frame must be Hello")
	assert.Equal(h.t, "worker-1", hello.ProducerID)

	status, ok := h.read().(*wire.StatusUpdate)
	require.True(h.t, ok, "second frame must be StatusUpdate")
	assert.Equal(h.t, wire.StateReady, status.State)
}

func (h *harness) wait() error {
	h.t.Helper()
	// net.Pipe writes block until read: drain whatever the worker still
	// sends (its final StatusUpdate) so it can reach exit.
	go func() {
		_ = h.conn.SetReadDeadline(time.Time{})
		for {
			if _, err := wire.ReadMessage(h.conn); err != nil {
				return
			}
		}
	}()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("worker did not exit")
		return nil
	}
}

func startMsg(budget int) *wire.Start {
	return &wire.Start{
		RunID:           "run-1",
		Topic:           "lighthouses",
		Prompt:          "List {batch_size} attributes of {topic}",
		Strategy:        config.StrategyBackoff,
		Weights:         map[string]float64{"test": 1},
		Params:          wire.Params{Temperature: 0.8, BatchSize: 10, MaxTokens: 200},
		IterationBudget: budget,
	}
}

func TestWorkerHonorsIterationBudget(t *testing.T) {
	script := provider.NewTest(
		provider.Step{Lines: []string{"alpha", "bravo", "charlie", "alpha"}},
		provider.Step{Lines: []string{"bravo", "delta"}},
		provider.Step{Lines: []string{"echo", "alpha"}},
	)
	h := newHarness(t, map[string]provider.Provider{"test": script})
	h.expectHandshake()
	h.send(startMsg(3))

	var batches []*wire.AttributeBatch
	for len(batches) < 3 {
		msg := h.read()
		if b, ok := msg.(*wire.AttributeBatch); ok {
			batches = append(batches, b)
		}
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, batches[0].Candidates)
	assert.Equal(t, []string{"bravo", "delta"}, batches[1].Candidates)
	assert.Equal(t, []string{"echo", "alpha"}, batches[2].Candidates)
	assert.Equal(t, "test", batches[0].ProviderID)

	// Budget exhausted: the worker reports stopping and emits no 4th batch.
	status, ok := h.read().(*wire.StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, wire.StateStopping, status.State)
	assert.Equal(t, "budget_exhausted", status.LastError)
	assert.Equal(t, 3, status.Stats.Batches)

	h.send(&wire.Stop{})
	final, ok := h.read().(*wire.StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, wire.StateStopping, final.State)
	assert.NoError(t, h.wait())
}

func TestWorkerAppliesBloomFilterBetweenCycles(t *testing.T) {
	script := provider.NewTest(
		provider.Step{Lines: []string{"lantern room", "gallery deck"}},
	)
	h := newHarness(t, map[string]provider.Provider{"test": script})
	h.expectHandshake()

	// Pre-seed the local filter with one of the candidates.
	tracker := dedupe.New(1000, 0.01)
	tracker.Ingest([]string{"gallery deck"})
	snap, err := tracker.Snapshot()
	require.NoError(t, err)
	h.send(&wire.UpdateBloom{Version: snap.Version, Filter: snap.Filter, RecentUniques: snap.Recent})

	h.send(startMsg(1))

	var batch *wire.AttributeBatch
	for batch == nil {
		if b, ok := h.read().(*wire.AttributeBatch); ok {
			batch = b
		}
	}
	assert.Equal(t, []string{"lantern room"}, batch.Candidates)

	h.send(&wire.Stop{})
	_ = h.wait()
}

func TestWorkerSurvivesRateLimitStorm(t *testing.T) {
	steps := make([]provider.Step, 0, 11)
	for i := 0; i < 10; i++ {
		steps = append(steps, provider.Step{Fail: provider.KindRateLimited})
	}
	steps = append(steps, provider.Step{Lines: []string{"fresnel lens", "fog signal"}})
	script := provider.NewTest(steps...)

	h := newHarness(t, map[string]provider.Provider{"test": script})
	h.expectHandshake()
	h.send(startMsg(1))

	var batch *wire.AttributeBatch
	transientHigh := 0
	for batch == nil {
		switch m := h.read().(type) {
		case *wire.AttributeBatch:
			batch = m
		case *wire.StatusUpdate:
			if m.Stats.TransientErrors > transientHigh {
				transientHigh = m.Stats.TransientErrors
			}
		}
	}
	assert.Equal(t, []string{"fresnel lens", "fog signal"}, batch.Candidates)
	assert.GreaterOrEqual(t, transientHigh, 10, "status updates must record the transient errors")

	h.send(&wire.Stop{})
	_ = h.wait()
}

func TestWorkerAnswersPingDuringRun(t *testing.T) {
	script := provider.NewTest()
	h := newHarness(t, map[string]provider.Provider{"test": script})
	h.expectHandshake()

	h.send(&wire.Ping{Nonce: 77})
	pong, ok := h.read().(*wire.Pong)
	require.True(t, ok)
	assert.Equal(t, uint64(77), pong.Nonce)

	h.send(&wire.Stop{})
	_ = h.wait()
}

func TestWorkerHotConfigSwap(t *testing.T) {
	script := provider.NewTest(
		provider.Step{Lines: []string{"first batch entry"}},
		provider.Step{Lines: []string{"second batch entry"}},
	)
	h := newHarness(t, map[string]provider.Provider{"test": script})
	h.expectHandshake()
	h.send(startMsg(2))

	var first *wire.AttributeBatch
	for first == nil {
		if b, ok := h.read().(*wire.AttributeBatch); ok {
			first = b
		}
	}

	// Swap params between cycles; the next batch reflects them.
	newPrompt := "Enumerate {batch_size} aspects of {topic}"
	h.send(&wire.UpdateConfig{
		Prompt: &newPrompt,
		Params: &wire.Params{Temperature: 1.0, BatchSize: 5, MaxTokens: 100},
	})

	var second *wire.AttributeBatch
	for second == nil {
		if b, ok := h.read().(*wire.AttributeBatch); ok {
			second = b
		}
	}
	assert.Equal(t, []string{"second batch entry"}, second.Candidates)

	h.send(&wire.Stop{})
	_ = h.wait()
}

func TestWorkerStopBeforeStart(t *testing.T) {
	h := newHarness(t, map[string]provider.Provider{"test": provider.NewTest()})
	h.expectHandshake()
	h.send(&wire.Stop{})

	status, ok := h.read().(*wire.StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, wire.StateStopping, status.State)
	assert.NoError(t, h.wait())
}
