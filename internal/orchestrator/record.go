package orchestrator

import (
	"net"
	"time"

	"github.com/attropy/attropy/internal/optimize"
	"github.com/attropy/attropy/internal/wire"
)

// workerStatus is the coordinator-side view of a worker's lifecycle.
type workerStatus int

const (
	statusSpawning workerStatus = iota
	statusConnecting
	statusReady
	statusWorking
	statusDegraded
	statusStopping
	statusDead
)

func (s workerStatus) String() string {
	switch s {
	case statusSpawning:
		return "spawning"
	case statusConnecting:
		return "connecting"
	case statusReady:
		return "ready"
	case statusWorking:
		return "working"
	case statusDegraded:
		return "degraded"
	case statusStopping:
		return "stopping"
	case statusDead:
		return "dead"
	}
	return "unknown"
}

// workerRecord is the orchestrator's bookkeeping for one worker id. The
// listener survives restarts: a respawned process reconnects to the same
// address.
type workerRecord struct {
	id       string
	addr     string
	listener net.Listener

	conn  net.Conn
	queue *outQueue

	status        workerStatus
	ready         bool // StatusUpdate{ready} received on this connection
	budgetDone    bool
	droppedLogged bool // "batch before ready" logged once per connection

	lastFrame     time.Time
	awaitingPong  bool
	pingNonce     uint64
	pingSent      time.Time
	degradedSince time.Time

	assignment optimize.Assignment
	stats      wire.StatsSnapshot
	lastError  string
}

// live reports whether the worker currently has an open connection.
func (w *workerRecord) live() bool {
	return w.conn != nil && w.status != statusDead
}

// accepting reports whether batches from this worker are accepted.
func (w *workerRecord) accepting() bool {
	return w.ready && w.status != statusDead
}

// resetConnection clears per-connection state when a worker drops.
func (w *workerRecord) resetConnection() {
	if w.queue != nil {
		w.queue.close()
	}
	w.conn = nil
	w.queue = nil
	w.ready = false
	w.droppedLogged = false
	w.awaitingPong = false
}
