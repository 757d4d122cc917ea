// Package supervisor spawns worker processes and enforces the restart
// policy. Liveness decisions (heartbeats, ping timeouts, degraded grace)
// live in the orchestrator's event loop; the supervisor owns process
// handles and the bounded-restart bookkeeping.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Handle is a spawned worker process.
type Handle interface {
	Kill() error
	Wait() error
	PID() int
}

// Spawner launches a worker process that will connect back to addr and
// identify itself as id.
type Spawner interface {
	Spawn(ctx context.Context, id, addr string) (Handle, error)
}

// Supervisor tracks one handle per worker id plus its restart history.
// Not safe for concurrent use: owned by the central event loop.
type Supervisor struct {
	spawner     Spawner
	logger      *slog.Logger
	maxRestarts int
	window      time.Duration

	handles  map[string]Handle
	restarts map[string][]time.Time
}

// New creates a supervisor with the given restart policy: at most
// maxRestarts restarts per worker within any sliding window.
func New(spawner Spawner, logger *slog.Logger, maxRestarts int, window time.Duration) *Supervisor {
	return &Supervisor{
		spawner:     spawner,
		logger:      logger,
		maxRestarts: maxRestarts,
		window:      window,
		handles:     make(map[string]Handle),
		restarts:    make(map[string][]time.Time),
	}
}

// Launch spawns the initial process for a worker id.
func (s *Supervisor) Launch(ctx context.Context, id, addr string) error {
	h, err := s.spawner.Spawn(ctx, id, addr)
	if err != nil {
		return fmt.Errorf("supervisor: spawn %s: %w", id, err)
	}
	s.handles[id] = h
	s.logger.Info("supervisor: worker spawned", "producer_id", id, "pid", h.PID(), "addr", addr)
	return nil
}

// CanRestart reports whether the restart policy still permits restarting
// this worker. Entries older than the window age out of the count.
func (s *Supervisor) CanRestart(id string, now time.Time) bool {
	return len(s.recentRestarts(id, now)) < s.maxRestarts
}

func (s *Supervisor) recentRestarts(id string, now time.Time) []time.Time {
	cutoff := now.Add(-s.window)
	kept := s.restarts[id][:0]
	for _, t := range s.restarts[id] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts[id] = kept
	return kept
}

// Restart kills the current process (if any) and spawns a replacement with
// the same id. Returns false without spawning when the restart cap is
// exhausted; the caller marks the worker dead.
func (s *Supervisor) Restart(ctx context.Context, id, addr string, now time.Time) (bool, error) {
	if !s.CanRestart(id, now) {
		return false, nil
	}
	s.Kill(id)
	s.restarts[id] = append(s.restarts[id], now)
	if err := s.Launch(ctx, id, addr); err != nil {
		return false, err
	}
	s.logger.Info("supervisor: worker restarted",
		"producer_id", id, "restarts_in_window", len(s.restarts[id]))
	return true, nil
}

// RestartCount returns how many restarts are currently inside the window.
func (s *Supervisor) RestartCount(id string, now time.Time) int {
	return len(s.recentRestarts(id, now))
}

// Kill terminates and reaps a worker's process. Idempotent.
func (s *Supervisor) Kill(id string) {
	h, ok := s.handles[id]
	if !ok {
		return
	}
	delete(s.handles, id)
	if err := h.Kill(); err != nil {
		s.logger.Debug("supervisor: kill failed", "producer_id", id, "error", err)
	}
	_ = h.Wait()
}

// KillAll terminates every tracked process. Used on shutdown after the
// drain deadline expires.
func (s *Supervisor) KillAll() {
	for id := range s.handles {
		s.Kill(id)
	}
}

// Running reports whether a handle is tracked for the worker id.
func (s *Supervisor) Running(id string) bool {
	_, ok := s.handles[id]
	return ok
}

// ExecSpawner launches real attropy-worker processes.
type ExecSpawner struct {
	Binary string
	Args   []string // extra worker args appended after --id/--connect
	Env    []string // KEY=VALUE pairs layered over the inherited environment
}

// command builds the exec.Cmd for one worker. Split from Spawn so the
// argument and environment wiring is testable without starting a process.
func (e *ExecSpawner) command(ctx context.Context, id, addr string) *exec.Cmd {
	args := append([]string{"--id", id, "--connect", addr}, e.Args...)
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// os/exec keeps the last value for a duplicated key, so entries in
	// e.Env override the inherited environment.
	cmd.Env = append(os.Environ(), e.Env...)
	return cmd
}

// Spawn starts the worker binary. The child inherits the parent's
// environment (API keys) plus the overrides in Env — flag-derived
// settings like the log level don't round-trip through the OS
// environment on their own, so the orchestrator forwards them explicitly.
// Worker logs go to stderr.
func (e *ExecSpawner) Spawn(ctx context.Context, id, addr string) (Handle, error) {
	cmd := e.command(ctx, id, addr)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Wait() error { return h.cmd.Wait() }

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
