// Package wire defines the framed message protocol spoken between the
// orchestrator and its worker processes.
//
// Each frame on the TCP connection is a 4-byte big-endian payload length
// followed by the payload itself: a versioned JSON envelope carrying one
// typed message. Framing is the only synchronization between the two sides;
// a connection carries exactly one Hello and then an arbitrary interleaving
// of commands and updates.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// ProtocolVersion is stamped into every envelope. A peer that receives a
// frame with an unknown version must close the connection.
const ProtocolVersion = 1

// MaxFrameBytes bounds a single frame. Bloom snapshots dominate frame size;
// a 1M-capacity filter at 1% FP is ~1.2 MB, so 16 MB leaves ample headroom.
const MaxFrameBytes = 16 << 20

// Message types. Orchestrator → worker commands first, worker → orchestrator
// updates second.
const (
	TypeStart        = "start"
	TypeStop         = "stop"
	TypeUpdateBloom  = "update_bloom"
	TypeUpdateConfig = "update_config"
	TypePing         = "ping"

	TypeHello          = "hello"
	TypeAttributeBatch = "attribute_batch"
	TypeStatusUpdate   = "status_update"
	TypePong           = "pong"
)

// Worker states carried in StatusUpdate.
const (
	StateReady    = "ready"
	StateWorking  = "working"
	StateDegraded = "degraded"
	StateStopping = "stopping"
)

// Params are the generation parameters a worker passes to its providers.
type Params struct {
	Temperature float64 `json:"temperature"`
	BatchSize   int     `json:"batch_size"`
	MaxTokens   int     `json:"max_tokens"`
}

// Start begins generation for a topic. Sent once per run per worker; a
// worker that receives Start while already generating restarts its loop
// with the new configuration.
type Start struct {
	RunID           string             `json:"run_id"`
	Topic           string             `json:"topic"`
	Prompt          string             `json:"prompt"`
	Strategy        string             `json:"strategy"`
	Weights         map[string]float64 `json:"weights"`
	Models          map[string]string  `json:"models,omitempty"` // provider id → model name
	Params          Params             `json:"params"`
	IterationBudget int                `json:"iteration_budget,omitempty"` // 0 = unbounded
}

// Stop instructs the worker to drain its in-flight provider request, send
// one final StatusUpdate, and close the connection.
type Stop struct{}

// UpdateBloom replaces the worker's local dedup snapshot. RecentUniques
// piggybacks the newest discoveries for prompt exclusion lists.
type UpdateBloom struct {
	Version       uint64   `json:"version"`
	Filter        []byte   `json:"filter"`
	RecentUniques []string `json:"recent_uniques,omitempty"`
}

// UpdateConfig hot-swaps prompt, routing weights, or generation params
// without restarting the generation loop. Nil fields are left unchanged.
type UpdateConfig struct {
	Prompt  *string            `json:"prompt,omitempty"`
	Weights map[string]float64 `json:"weights,omitempty"`
	Params  *Params            `json:"params,omitempty"`
}

// Ping is a liveness probe. The worker must answer with a Pong carrying
// the same nonce.
type Ping struct {
	Nonce uint64 `json:"nonce"`
}

// Hello is the first frame a worker sends after connecting.
type Hello struct {
	ProducerID   string   `json:"producer_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AttributeBatch carries candidates that survived the worker's local
// pre-filter, plus the provider metadata needed for performance accounting.
type AttributeBatch struct {
	ProducerID string   `json:"producer_id"`
	BatchID    string   `json:"batch_id"`
	Candidates []string `json:"candidates"`
	ProviderID string   `json:"provider_id"`
	Model      string   `json:"model"`
	TokensIn   int      `json:"tokens_in"`
	TokensOut  int      `json:"tokens_out"`
	LatencyMS  int64    `json:"latency_ms"`
	RequestTS  int64    `json:"request_ts"` // unix millis at request start
}

// StatsSnapshot summarizes a worker's recent activity.
type StatsSnapshot struct {
	Requests            int `json:"requests"`
	Batches             int `json:"batches"`
	CandidatesEmitted   int `json:"candidates_emitted"`
	TransientErrors     int `json:"transient_errors"`
	ConsecutiveFailures int `json:"consecutive_failures"`
	IterationsDone      int `json:"iterations_done"`
}

// FailureReport describes one failed generation cycle so the orchestrator
// can account it alongside successful batches.
type FailureReport struct {
	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`
	ErrKind    string `json:"err_kind"`
	LatencyMS  int64  `json:"latency_ms"`
	RequestTS  int64  `json:"request_ts"`
}

// StatusUpdate reports worker state. A worker must report StateReady before
// the orchestrator will accept its batches.
type StatusUpdate struct {
	ProducerID string         `json:"producer_id"`
	State      string         `json:"state"`
	LastError  string         `json:"last_error,omitempty"`
	Stats      StatsSnapshot  `json:"stats"`
	Failure    *FailureReport `json:"failure,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Nonce uint64 `json:"nonce"`
}

type envelope struct {
	Version int             `json:"v"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TypeOf returns the wire type string for a message, or "" for an unknown
// message value.
func TypeOf(msg any) string {
	switch msg.(type) {
	case *Start, Start:
		return TypeStart
	case *Stop, Stop:
		return TypeStop
	case *UpdateBloom, UpdateBloom:
		return TypeUpdateBloom
	case *UpdateConfig, UpdateConfig:
		return TypeUpdateConfig
	case *Ping, Ping:
		return TypePing
	case *Hello, Hello:
		return TypeHello
	case *AttributeBatch, AttributeBatch:
		return TypeAttributeBatch
	case *StatusUpdate, StatusUpdate:
		return TypeStatusUpdate
	case *Pong, Pong:
		return TypePong
	}
	return ""
}

// Encode serializes a message into a single frame (length prefix included).
func Encode(msg any) ([]byte, error) {
	typ := TypeOf(msg)
	if typ == "" {
		return nil, fmt.Errorf("wire: cannot encode %T", msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", typ, err)
	}
	body, err := json.Marshal(envelope{Version: ProtocolVersion, Type: typ, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return nil, fmt.Errorf("wire: frame too large (%d bytes)", len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// Decode parses one envelope body (without the length prefix) into its
// concrete message type.
func Decode(body []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("wire: malformed envelope: %w", err)
	}
	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("wire: unsupported protocol version %d", env.Version)
	}

	var msg any
	switch env.Type {
	case TypeStart:
		msg = &Start{}
	case TypeStop:
		msg = &Stop{}
	case TypeUpdateBloom:
		msg = &UpdateBloom{}
	case TypeUpdateConfig:
		msg = &UpdateConfig{}
	case TypePing:
		msg = &Ping{}
	case TypeHello:
		msg = &Hello{}
	case TypeAttributeBatch:
		msg = &AttributeBatch{}
	case TypeStatusUpdate:
		msg = &StatusUpdate{}
	case TypePong:
		msg = &Pong{}
	default:
		return nil, fmt.Errorf("wire: unknown message type %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("wire: malformed %s payload: %w", env.Type, err)
	}
	return msg, nil
}

// WriteMessage encodes msg and writes the complete frame to w.
func WriteMessage(w io.Writer, msg any) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame from r and decodes it. A length prefix above
// MaxFrameBytes or a short read is a protocol error; callers treat any
// returned error as fatal for the connection.
func ReadMessage(r io.Reader) (any, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameBytes {
		return nil, fmt.Errorf("wire: invalid frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return Decode(body)
}
