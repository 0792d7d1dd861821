package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

// stopEvent mirrors the body the overlay service sends when a stream ends
type stopEvent struct {
	CorrID string `json:"corrId"`
}

// sink records stop notifications. The first failFirst deliveries are
// answered with 503 so the sender's retry path can be watched.
type sink struct {
	logger    *slog.Logger
	failFirst int64

	attempts atomic.Int64
	mu       sync.Mutex
	corrIDs  []string
}

func newSink(logger *slog.Logger, failFirst int) *sink {
	return &sink{logger: logger, failFirst: int64(failFirst)}
}

func (s *sink) routes() http.Handler {
	r := chi.NewRouter()
	r.Delete("/*", s.handleStopped)
	r.Get("/received", s.handleReceived)
	return r
}

func (s *sink) handleStopped(w http.ResponseWriter, r *http.Request) {
	n := s.attempts.Add(1)

	var event stopEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.logger.Warn("Malformed stop notification", slog.String("error", err.Error()))
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if n <= s.failFirst {
		s.logger.Info("Rejecting stop notification",
			slog.String("corr_id", event.CorrID),
			slog.Int64("attempt", n),
		)
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}

	s.mu.Lock()
	s.corrIDs = append(s.corrIDs, event.CorrID)
	s.mu.Unlock()

	s.logger.Info("Stop notification received",
		slog.String("corr_id", event.CorrID),
		slog.String("path", r.URL.Path),
		slog.String("request_id", r.Header.Get("X-Request-ID")),
		slog.String("user_agent", r.UserAgent()),
	)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"code": 0})
}

func (s *sink) handleReceived(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"corrIds": s.delivered()})
}

func (s *sink) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.corrIDs...)
}
