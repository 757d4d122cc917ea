package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attropy/attropy/internal/testutil"
)

type fakeHandle struct {
	killed bool
	pid    int
}

func (h *fakeHandle) Kill() error { h.killed = true; return nil }
func (h *fakeHandle) Wait() error { return nil }
func (h *fakeHandle) PID() int    { return h.pid }

type fakeSpawner struct {
	spawned []string
	handles []*fakeHandle
}

func (f *fakeSpawner) Spawn(_ context.Context, id, _ string) (Handle, error) {
	f.spawned = append(f.spawned, id)
	h := &fakeHandle{pid: 1000 + len(f.spawned)}
	f.handles = append(f.handles, h)
	return h, nil
}

func newSupervisor(t *testing.T) (*Supervisor, *fakeSpawner) {
	t.Helper()
	spawner := &fakeSpawner{}
	return New(spawner, testutil.TestLogger(), 5, 5*time.Minute), spawner
}

func TestLaunchTracksHandle(t *testing.T) {
	s, spawner := newSupervisor(t)
	require.NoError(t, s.Launch(context.Background(), "w1", "127.0.0.1:9000"))

	assert.Equal(t, []string{"w1"}, spawner.spawned)
	assert.True(t, s.Running("w1"))
}

func TestRestartCapWithinWindow(t *testing.T) {
	s, spawner := newSupervisor(t)
	now := time.Now()
	require.NoError(t, s.Launch(context.Background(), "w1", "addr"))

	for i := 0; i < 5; i++ {
		ok, err := s.Restart(context.Background(), "w1", "addr", now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, ok, "restart %d should be allowed", i+1)
	}

	// The sixth restart within the window is refused.
	ok, err := s.Restart(context.Background(), "w1", "addr", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 6, len(spawner.spawned)) // 1 launch + 5 restarts
}

func TestRestartSlotAgesOut(t *testing.T) {
	s, _ := newSupervisor(t)
	now := time.Now()
	require.NoError(t, s.Launch(context.Background(), "w1", "addr"))

	for i := 0; i < 5; i++ {
		ok, err := s.Restart(context.Background(), "w1", "addr", now)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.False(t, s.CanRestart("w1", now.Add(time.Second)))

	// After the window passes, the earlier restarts age out and one more is allowed.
	later := now.Add(5*time.Minute + time.Second)
	assert.True(t, s.CanRestart("w1", later))
	ok, err := s.Restart(context.Background(), "w1", "addr", later)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, s.RestartCount("w1", later))
}

func TestRestartKillsPreviousProcess(t *testing.T) {
	s, spawner := newSupervisor(t)
	require.NoError(t, s.Launch(context.Background(), "w1", "addr"))

	ok, err := s.Restart(context.Background(), "w1", "addr", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, spawner.handles[0].killed)
	assert.False(t, spawner.handles[1].killed)
}

func TestKillAll(t *testing.T) {
	s, spawner := newSupervisor(t)
	require.NoError(t, s.Launch(context.Background(), "w1", "addr"))
	require.NoError(t, s.Launch(context.Background(), "w2", "addr"))

	s.KillAll()
	assert.False(t, s.Running("w1"))
	assert.False(t, s.Running("w2"))
	for _, h := range spawner.handles {
		assert.True(t, h.killed)
	}
}

func TestKillIsIdempotent(t *testing.T) {
	s, _ := newSupervisor(t)
	require.NoError(t, s.Launch(context.Background(), "w1", "addr"))
	s.Kill("w1")
	s.Kill("w1")
	assert.False(t, s.Running("w1"))
}

func TestExecSpawnerCommandArgs(t *testing.T) {
	e := &ExecSpawner{
		Binary: "/opt/bin/attropy-worker",
		Args:   []string{"--providers-file", "custom.yaml"},
	}
	cmd := e.command(context.Background(), "worker-3", "127.0.0.1:9412")

	assert.Equal(t, []string{
		"/opt/bin/attropy-worker",
		"--id", "worker-3",
		"--connect", "127.0.0.1:9412",
		"--providers-file", "custom.yaml",
	}, cmd.Args)
}

func TestExecSpawnerCommandEnvOverrides(t *testing.T) {
	// The parent's stale value must lose to the forwarded flag value:
	// os/exec keeps the last entry for a duplicated key.
	t.Setenv("ATTROPY_LOG_LEVEL", "info")

	e := &ExecSpawner{
		Binary: "/opt/bin/attropy-worker",
		Env:    []string{"ATTROPY_LOG_LEVEL=debug"},
	}
	cmd := e.command(context.Background(), "worker-1", "127.0.0.1:9000")

	require.NotEmpty(t, cmd.Env)
	assert.Equal(t, "ATTROPY_LOG_LEVEL=debug", cmd.Env[len(cmd.Env)-1])
	assert.Contains(t, cmd.Env, "ATTROPY_LOG_LEVEL=info") // inherited copy still present, but superseded
}

func TestExecSpawnerCommandInheritsEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-parent")

	e := &ExecSpawner{Binary: "/opt/bin/attropy-worker"}
	cmd := e.command(context.Background(), "worker-1", "127.0.0.1:9000")

	assert.Contains(t, cmd.Env, "OPENAI_API_KEY=sk-from-parent")
}

func TestRestartsAreTrackedPerWorker(t *testing.T) {
	s, _ := newSupervisor(t)
	now := time.Now()
	require.NoError(t, s.Launch(context.Background(), "w1", "addr"))
	require.NoError(t, s.Launch(context.Background(), "w2", "addr"))

	for i := 0; i < 5; i++ {
		ok, err := s.Restart(context.Background(), "w1", "addr", now)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.False(t, s.CanRestart("w1", now))
	assert.True(t, s.CanRestart("w2", now))
}
