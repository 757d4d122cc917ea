// Package feed publishes run metrics to dashboard consumers and accepts
// their control commands. The orchestrator pushes metrics frames into the
// Broker; the HTTP server fans them out to SSE subscribers and exposes a
// snapshot endpoint plus start/stop controls.
package feed

import (
	"encoding/json"
	"sync"

	"github.com/attropy/attropy/internal/perf"
)

// Metrics is one dashboard frame.
type Metrics struct {
	TotalUnique      int                           `json:"total_unique"`
	UAM              float64                       `json:"uam"`
	ActiveWorkers    int                           `json:"active_workers"`
	ByProvider       map[string]perf.ProviderStats `json:"per_provider_breakdown"`
	RecentAttributes []string                      `json:"recent_attributes"`
	UptimeS          float64                       `json:"uptime_s"`
	Topic            string                        `json:"topic,omitempty"`
}

// StartTopic is a dashboard request to begin a run.
type StartTopic struct {
	Topic         string `json:"topic"`
	ProducerCount int    `json:"producer_count,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
}

// StopGeneration is a dashboard request to end the current run.
type StopGeneration struct{}

// Broker fans metrics frames out to SSE subscribers and retains the
// latest frame for snapshot requests. Slow subscribers with a full buffer
// are skipped; dashboard updates carry no ordering guarantee.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	latest      []byte
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[chan []byte]struct{})}
}

// Publish encodes a metrics frame, stores it as the latest snapshot, and
// broadcasts it.
func (b *Broker) Publish(m Metrics) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.latest = raw
	for ch := range b.subscribers {
		select {
		case ch <- raw:
		default:
			// Subscriber buffer full — drop this frame for them.
		}
	}
	b.mu.Unlock()
}

// Latest returns the most recent frame, or nil before the first publish.
func (b *Broker) Latest() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// Subscribe returns a channel receiving JSON metrics frames. The caller
// must Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}
