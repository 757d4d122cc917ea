package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the dashboard-facing HTTP surface: a metrics snapshot, an SSE
// stream, and start/stop controls that are forwarded to the orchestrator's
// control queue.
type Server struct {
	broker   *Broker
	controls chan<- any
	logger   *slog.Logger
	httpSrv  *http.Server
}

// NewServer creates the feed server. Control commands (StartTopic,
// StopGeneration) are sent to controls; the orchestrator consumes them in
// its event loop.
func NewServer(addr string, broker *Broker, controls chan<- any, logger *slog.Logger) *Server {
	s := &Server{broker: broker, controls: controls, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics.json", s.handleMetrics)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /control/start", s.handleStart)
	mux.HandleFunc("POST /control/stop", s.handleStop)

	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server. Blocks until Shutdown or failure.
func (s *Server) Start() error {
	s.logger.Info("feed: listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	latest := s.broker.Latest()
	if latest == nil {
		latest = []byte("{}")
	}
	_, _ = w.Write(latest)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.broker.Subscribe()
	defer s.broker.Unsubscribe(ch)

	// Replay the latest frame so a new dashboard paints immediately.
	if latest := s.broker.Latest(); latest != nil {
		fmt.Fprintf(w, "event: metrics\ndata: %s\n\n", latest)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: metrics\ndata: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartTopic
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}
	select {
	case s.controls <- req:
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "control queue full", http.StatusServiceUnavailable)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	select {
	case s.controls <- StopGeneration{}:
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "control queue full", http.StatusServiceUnavailable)
	}
}
