package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attropy/attropy/internal/wire"
)

func TestQueueFIFOForPlainMessages(t *testing.T) {
	q := newOutQueue(8)
	require.NoError(t, q.push(&wire.Ping{Nonce: 1}))
	require.NoError(t, q.push(&wire.Stop{}))

	msg, ok := q.pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, &wire.Ping{Nonce: 1}, msg)

	msg, ok = q.pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, &wire.Stop{}, msg)
}

func TestQueueCoalescesBloomUpdates(t *testing.T) {
	q := newOutQueue(8)
	require.NoError(t, q.push(&wire.UpdateBloom{Version: 1}))
	require.NoError(t, q.push(&wire.UpdateBloom{Version: 2}))
	require.NoError(t, q.push(&wire.UpdateBloom{Version: 3}))

	assert.Equal(t, 1, q.depth())
	msg, ok := q.pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, uint64(3), msg.(*wire.UpdateBloom).Version)
}

func TestQueueCoalescingPreservesPosition(t *testing.T) {
	q := newOutQueue(8)
	require.NoError(t, q.push(&wire.UpdateBloom{Version: 1}))
	require.NoError(t, q.push(&wire.Stop{}))
	require.NoError(t, q.push(&wire.UpdateBloom{Version: 2}))

	// The newer snapshot replaced the pending one in place, ahead of Stop.
	msg, _ := q.pop(context.Background())
	assert.Equal(t, uint64(2), msg.(*wire.UpdateBloom).Version)
	msg, _ = q.pop(context.Background())
	assert.IsType(t, &wire.Stop{}, msg)
}

func TestQueueCoalescesConfigIndependentlyOfBloom(t *testing.T) {
	q := newOutQueue(8)
	prompt1, prompt2 := "p1", "p2"
	require.NoError(t, q.push(&wire.UpdateConfig{Prompt: &prompt1}))
	require.NoError(t, q.push(&wire.UpdateBloom{Version: 1}))
	require.NoError(t, q.push(&wire.UpdateConfig{Prompt: &prompt2}))

	assert.Equal(t, 2, q.depth())
	msg, _ := q.pop(context.Background())
	assert.Equal(t, "p2", *msg.(*wire.UpdateConfig).Prompt)
}

func TestQueueNeverCoalescesStartOrStop(t *testing.T) {
	q := newOutQueue(8)
	require.NoError(t, q.push(&wire.Stop{}))
	require.NoError(t, q.push(&wire.Stop{}))
	assert.Equal(t, 2, q.depth())
}

func TestQueueCapacity(t *testing.T) {
	q := newOutQueue(2)
	require.NoError(t, q.push(&wire.Ping{Nonce: 1}))
	require.NoError(t, q.push(&wire.Ping{Nonce: 2}))
	assert.ErrorIs(t, q.push(&wire.Ping{Nonce: 3}), errQueueFull)

	// Coalescible kinds replace in place even at capacity.
	q2 := newOutQueue(2)
	require.NoError(t, q2.push(&wire.UpdateBloom{Version: 1}))
	require.NoError(t, q2.push(&wire.Ping{Nonce: 1}))
	require.NoError(t, q2.push(&wire.UpdateBloom{Version: 2}))
	assert.Equal(t, 2, q2.depth())
}

func TestQueuePopUnblocksOnClose(t *testing.T) {
	q := newOutQueue(2)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop(context.Background())
		done <- ok
	}()
	q.close()
	assert.False(t, <-done)
}

func TestQueuePopUnblocksOnContextCancel(t *testing.T) {
	q := newOutQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop(ctx)
		done <- ok
	}()
	cancel()
	assert.False(t, <-done)
}
