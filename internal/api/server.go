// Package api exposes the operator HTTP interface for the scraper service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/broker"
	"github.com/hivemind-academic/scholar-scraper/internal/metrics"
	"github.com/hivemind-academic/scholar-scraper/internal/task"
)

// Broker is the queue surface the server needs; *broker.Client satisfies it.
type Broker interface {
	Publish(ctx context.Context, queue string, body []byte) error
	State() broker.State
}

// Config tunes the server.
type Config struct {
	// APIKey guards /v1 routes when set. Health checks and /metrics stay open.
	APIKey         string
	ListQueue      string
	DetailQueue    string
	RequestTimeout time.Duration
	EnqueueTimeout time.Duration
}

// Server wires HTTP handlers to the task queues.
type Server struct {
	router chi.Router
	broker Broker
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(b Broker, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	s := &Server{broker: b, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(s.apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/tasks/list", s.enqueueList)
		r.Post("/tasks/detail", s.enqueueDetail)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	state := s.broker.State()
	if state != broker.StateConnected {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "broker": state.String()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "broker": state.String()})
}

type listRequest struct {
	URLs []string `json:"urls"`
}

type detailRequest struct {
	URL        string `json:"url"`
	ExternalID string `json:"yokId"`
}

type enqueueResponse struct {
	Queue    string `json:"queue"`
	Enqueued int    `json:"enqueued"`
}

func (s *Server) enqueueList(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	bodies := make([][]byte, 0, len(req.URLs))
	for _, raw := range req.URLs {
		target, err := validURL(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		body, err := task.Encode(task.NewList(target))
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		bodies = append(bodies, body)
	}
	n, err := s.publish(r.Context(), s.cfg.ListQueue, bodies)
	if err != nil {
		s.logger.Error("enqueue list tasks failed", zap.Int("published", n), zap.Error(err))
		s.writeError(w, enqueueStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, enqueueResponse{Queue: s.cfg.ListQueue, Enqueued: n})
}

func (s *Server) enqueueDetail(w http.ResponseWriter, r *http.Request) {
	var req detailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target, err := validURL(req.URL)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		id, ok := task.ExternalIDFromURL(target)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "yokId required when url has no authorId")
			return
		}
		externalID = id
	}
	body, err := task.Encode(task.NewDetail(target, externalID))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.publish(r.Context(), s.cfg.DetailQueue, [][]byte{body}); err != nil {
		s.logger.Error("enqueue detail task failed", zap.String("url", target), zap.Error(err))
		s.writeError(w, enqueueStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, enqueueResponse{Queue: s.cfg.DetailQueue, Enqueued: 1})
}

func (s *Server) publish(ctx context.Context, queue string, bodies [][]byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
	defer cancel()
	for i, body := range bodies {
		if err := s.broker.Publish(ctx, queue, body); err != nil {
			return i, fmt.Errorf("enqueue task: %w", err)
		}
	}
	return len(bodies), nil
}

func enqueueStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, broker.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func validURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url required")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", raw)
	}
	return u.String(), nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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
