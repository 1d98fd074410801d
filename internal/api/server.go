// Package api exposes the HTTP status interface for the crawl service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cookiescope/consent-crawler/internal/consent"
	"github.com/cookiescope/consent-crawler/internal/metrics"
	"github.com/cookiescope/consent-crawler/internal/orchestrator"
)

// ProgressSource reports the state of an in-flight crawl run.
type ProgressSource interface {
	Progress() (completed, total int64)
	RetryList() []string
	Handles() []orchestrator.WorkerProcessHandle
}

// ResultsSource lists the results recorded so far.
type ResultsSource interface {
	Results() []consent.VisitResult
}

// Server wires HTTP handlers to the running crawl.
type Server struct {
	router   chi.Router
	progress ProgressSource
	results  ResultsSource
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. results may be
// nil when no inspectable sink is configured.
func NewServer(progress ProgressSource, results ResultsSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		progress: progress,
		results:  results,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/progress", s.getProgress)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/progress", s.getProgress)
		r.Get("/results", s.getResults)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.progress == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no crawl run attached")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getProgress(w http.ResponseWriter, _ *http.Request) {
	if s.progress == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no crawl run attached")
		return
	}
	completed, total := s.progress.Progress()
	handles := s.progress.Handles()
	workers := make([]workerDTO, 0, len(handles))
	for _, h := range handles {
		workers = append(workers, workerDTO{
			PID:       h.PID,
			VisitID:   h.VisitID,
			StartedAt: h.StartTime,
		})
	}
	s.writeJSON(w, http.StatusOK, progressDTO{
		Completed: completed,
		Total:     total,
		RetryList: s.progress.RetryList(),
		InFlight:  workers,
	})
}

func (s *Server) getResults(w http.ResponseWriter, _ *http.Request) {
	if s.results == nil {
		s.writeError(w, http.StatusServiceUnavailable, "results are not inspectable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": s.results.Results()})
}

type progressDTO struct {
	Completed int64       `json:"completed"`
	Total     int64       `json:"total"`
	RetryList []string    `json:"retry_list"`
	InFlight  []workerDTO `json:"in_flight"`
}

type workerDTO struct {
	PID       int       `json:"pid"`
	VisitID   string    `json:"visit_id"`
	StartedAt time.Time `json:"started_at"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
