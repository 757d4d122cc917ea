// Package sink persists a run's unique attributes to its topic-scoped
// output directory. Appends are buffered in memory and flushed by the
// orchestrator's file-sync timer or on clean shutdown; ordering in
// output.txt is the order of first-seen discovery.
package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry is one unique attribute with origin metadata.
type Entry struct {
	Attr       string    `json:"attr"`
	ProducerID string    `json:"producer_id"`
	ProviderID string    `json:"provider_id"`
	Model      string    `json:"model"`
	TS         time.Time `json:"ts"`
}

// Header describes the run, written to topic.txt at open.
type Header struct {
	Topic     string
	StartedAt time.Time
	Producers int
	Prompt    string
	Weights   map[string]float64
}

// Metadata is the final run summary written to metadata.json.
type Metadata struct {
	Topic         string         `json:"topic"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       time.Time      `json:"ended_at"`
	TotalUnique   int            `json:"total_unique"`
	TotalRequests int            `json:"total_requests"`
	Duplicates    uint64         `json:"duplicates"`
	StopReason    string         `json:"stop_reason"`
	UAMShort      float64        `json:"uam_short_window"`
	ByProvider    map[string]any `json:"by_provider"`
}

// Sink owns a run's output files. Touched only by the central event loop.
type Sink struct {
	dir          string
	out          *os.File
	logger       *slog.Logger
	pending      []Entry
	all          []Entry
	pendingLimit int
}

// SanitizeTopic reduces a topic to its filesystem form: lowercase, keep
// letters, digits, and spaces, collapse whitespace runs to underscores.
func SanitizeTopic(topic string) string {
	lower := strings.ToLower(topic)
	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), "_")
}

// Open creates the run directory (removing any previous directory for the
// same topic — overwrite semantics), writes topic.txt, and opens
// output.txt for appending. dir overrides the default
// <baseDir>/<sanitized-topic> when non-empty.
func Open(baseDir, dir string, header Header, pendingLimit int, logger *slog.Logger) (*Sink, error) {
	if dir == "" {
		sanitized := SanitizeTopic(header.Topic)
		if sanitized == "" {
			return nil, fmt.Errorf("sink: topic %q sanitizes to nothing", header.Topic)
		}
		dir = filepath.Join(baseDir, sanitized)
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("sink: clear output dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create output dir: %w", err)
	}

	if err := writeHeader(filepath.Join(dir, "topic.txt"), header); err != nil {
		return nil, err
	}

	out, err := os.OpenFile(filepath.Join(dir, "output.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open output.txt: %w", err)
	}

	return &Sink{dir: dir, out: out, logger: logger, pendingLimit: pendingLimit}, nil
}

func writeHeader(path string, h Header) error {
	var b strings.Builder
	fmt.Fprintf(&b, "topic: %s\n", h.Topic)
	fmt.Fprintf(&b, "started_at: %s\n", h.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "producers: %d\n", h.Producers)
	fmt.Fprintf(&b, "prompt: %s\n", h.Prompt)
	weights, err := json.Marshal(h.Weights)
	if err != nil {
		return fmt.Errorf("sink: marshal weights: %w", err)
	}
	fmt.Fprintf(&b, "weights: %s\n", weights)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("sink: write topic.txt: %w", err)
	}
	return nil
}

// Dir returns the run's output directory.
func (s *Sink) Dir() string { return s.dir }

// Append buffers entries for the next flush. It fails once the buffered
// backlog exceeds the pending-write limit; the orchestrator treats that as
// unrecoverable.
func (s *Sink) Append(entries []Entry) error {
	if len(s.pending)+len(entries) > s.pendingLimit {
		return fmt.Errorf("sink: pending writes exceed limit (%d buffered)", len(s.pending))
	}
	s.pending = append(s.pending, entries...)
	return nil
}

// Pending returns the number of buffered, unflushed entries.
func (s *Sink) Pending() int { return len(s.pending) }

// Flush appends buffered entries to output.txt, syncs it, and rewrites
// output.json. A failed flush keeps the entries buffered for retry.
func (s *Sink) Flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	var b strings.Builder
	for _, e := range s.pending {
		b.WriteString(e.Attr)
		b.WriteByte('\n')
	}
	if _, err := s.out.WriteString(b.String()); err != nil {
		return fmt.Errorf("sink: append output.txt: %w", err)
	}
	if err := s.out.Sync(); err != nil {
		return fmt.Errorf("sink: sync output.txt: %w", err)
	}

	s.all = append(s.all, s.pending...)
	s.pending = s.pending[:0]

	if err := s.writeJSON(); err != nil {
		return err
	}
	s.logger.Debug("sink: flushed", "total", len(s.all))
	return nil
}

// writeJSON rewrites output.json atomically (temp file + rename).
func (s *Sink) writeJSON() error {
	raw, err := json.MarshalIndent(s.all, "", "  ")
	if err != nil {
		return fmt.Errorf("sink: marshal output.json: %w", err)
	}
	tmp := filepath.Join(s.dir, "output.json.tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("sink: write output.json: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, "output.json")); err != nil {
		return fmt.Errorf("sink: rename output.json: %w", err)
	}
	return nil
}

// Finalize flushes everything, writes metadata.json, and closes the sink.
func (s *Sink) Finalize(meta Metadata) error {
	if err := s.Flush(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("sink: marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, "metadata.json"), raw, 0o644); err != nil {
		return fmt.Errorf("sink: write metadata.json: %w", err)
	}
	if err := s.out.Close(); err != nil {
		return fmt.Errorf("sink: close output.txt: %w", err)
	}
	return nil
}
