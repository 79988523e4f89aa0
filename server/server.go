package server

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/INLOpen/nexuspref/core"
	"github.com/INLOpen/nexuspref/coordinator"
	"github.com/INLOpen/nexuspref/segment"
)

// HTTPServer exposes the feedback exchange and segment ingest over a
// JSON API, plus expvar under /debug/vars.
type HTTPServer struct {
	server  *http.Server
	coord   *coordinator.Coordinator
	logger  *slog.Logger
	started bool
	mu      sync.Mutex

	segmentIDs *core.IDAllocator
	clock      core.Clock
}

// NewHTTPServer creates and configures the feedback server.
func NewHTTPServer(addr string, coord *coordinator.Coordinator, logger *slog.Logger) *HTTPServer {
	logger = logger.With("component", "HTTPServer")
	if addr == "" {
		addr = ":8099"
	}

	s := &HTTPServer{
		coord:      coord,
		logger:     logger,
		segmentIDs: &core.IDAllocator{},
		clock:      core.SystemClock{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/queries/next", s.handleNextQuery)
	mux.HandleFunc("/api/v1/answers", s.handleAnswer)
	mux.HandleFunc("/api/v1/segments", s.handleSegmentIngest)
	mux.HandleFunc("/api/v1/labels", s.handleLabel)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.Handle("/debug/vars", expvar.Handler())

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Start starts the feedback server. It's a blocking call.
func (s *HTTPServer) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Feedback server listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Feedback server failed", "error", err)
		return fmt.Errorf("failed to start feedback server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the feedback server.
func (s *HTTPServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping feedback server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Feedback server shutdown failed", "error", err)
	} else {
		s.logger.Info("Feedback server stopped gracefully.")
	}
}

type queryResponse struct {
	QueryID   core.QueryID    `json:"query_id"`
	SegmentA  segmentResponse `json:"segment_a"`
	SegmentB  segmentResponse `json:"segment_b"`
	CreatedAt time.Time       `json:"created_at"`
}

type segmentResponse struct {
	SegmentID core.SegmentID `json:"segment_id"`
	EpisodeID uint64         `json:"episode_id"`
	Steps     []core.Step    `json:"steps,omitempty"`
}

// handleNextQuery pops the next pending query and returns it with both
// segments' steps so a UI can render the comparison. 204 when the queue
// is empty.
func (s *HTTPServer) handleNextQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET method is allowed", http.StatusMethodNotAllowed)
		return
	}

	q, err := s.coord.Exchange().FetchNext(r.Context())
	if err != nil {
		if errors.Is(err, core.ErrEmptyQueue) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, fmt.Sprintf("Fetch failed: %v", err), http.StatusInternalServerError)
		return
	}

	resp := queryResponse{
		QueryID:   q.ID,
		SegmentA:  s.segmentResponseFor(q.SegmentA),
		SegmentB:  s.segmentResponseFor(q.SegmentB),
		CreatedAt: q.CreatedAt,
	}
	writeJSON(w, http.StatusOK, resp)
}

// segmentResponseFor resolves the segment's steps from the buffer. The
// segments of a dispatched query are pinned, so a lookup miss means a
// bug rather than eviction; the response degrades to the bare id.
func (s *HTTPServer) segmentResponseFor(id core.SegmentID) segmentResponse {
	seg, err := s.coord.Buffer().Get(id)
	if err != nil {
		s.logger.Error("Dispatched query references missing segment.", "segment_id", id, "error", err)
		return segmentResponse{SegmentID: id}
	}
	return segmentResponse{
		SegmentID: seg.ID,
		EpisodeID: seg.EpisodeID,
		Steps:     seg.Steps,
	}
}

// handleAnswer records a human judgment for an in-flight query.
func (s *HTTPServer) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		QueryID core.QueryID `json:"query_id"`
		Outcome string       `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format: "+err.Error(), http.StatusBadRequest)
		return
	}

	outcome, err := core.ParseOutcome(req.Outcome)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.coord.Exchange().Submit(r.Context(), req.QueryID, outcome); err != nil {
		switch {
		case core.IsUnknownQuery(err):
			http.Error(w, err.Error(), http.StatusNotFound)
		case core.IsAlreadyAnswered(err):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, fmt.Sprintf("Submit failed: %v", err), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSegmentIngest accepts a finished trajectory segment from the
// stepping loop. Back-pressure maps to 503 so the client drops the
// segment and moves on instead of blocking.
func (s *HTTPServer) handleSegmentIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EpisodeID  uint64      `json:"episode_id"`
		StartIndex int         `json:"start_index"`
		Steps      []core.Step `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format: "+err.Error(), http.StatusBadRequest)
		return
	}

	seg, err := segment.Build(core.SegmentID(s.segmentIDs.Next()), req.EpisodeID, req.StartIndex, req.Steps, s.clock.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.coord.PushSegment(seg); err != nil {
		if errors.Is(err, core.ErrBufferFull) {
			http.Error(w, "segment buffer is full", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, fmt.Sprintf("Push failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"segment_id": seg.ID})
}

// handleLabel scores a feature vector with the active reward model so
// external stepping loops can relabel without linking the library.
func (s *HTTPServer) handleLabel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Features     []float64 `json:"features"`
		NativeReward float64   `json:"native_reward"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Features) == 0 {
		http.Error(w, "features cannot be empty", http.StatusBadRequest)
		return
	}

	resp := map[string]any{
		"reward": s.coord.Label(req.Features, req.NativeReward),
	}
	if v := s.coord.Relabeler().ActiveVersion(); v != nil {
		resp["version_id"] = v.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStats reports exchange counters and latency quantiles.
func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET method is allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Exchange().Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone at this point, nothing to do but log.
		slog.Default().Debug("Failed to encode JSON response", "error", err)
	}
}
