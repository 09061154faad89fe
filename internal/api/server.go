package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/trust-crawler/internal/config"
	"github.com/JakeFAU/trust-crawler/internal/crawler"
	"github.com/JakeFAU/trust-crawler/internal/metrics"
	"github.com/JakeFAU/trust-crawler/internal/query"
)

const (
	defaultRequestTimeout = 20 * time.Second
	maxBodyBytes          = 1 << 16
)

// Service is the query façade the handlers delegate to.
type Service interface {
	Search(ctx context.Context, q string) ([]crawler.Page, error)
	Status(ctx context.Context) (query.Status, error)
	Submit(ctx context.Context, rawURL string) (query.SubmitResult, error)
}

// Server wires HTTP handlers to the query service.
type Server struct {
	router chi.Router
	svc    Service
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		svc:    svc,
		logger: logger,
	}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/search", s.search)
		r.With(s.apiKeyMiddleware(cfg.Auth)).Post("/pages", s.submit)
		r.Get("/crawl/status", s.status)
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

// readyz reports ready once the store answers a count query.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Status(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type searchResult struct {
	URL   string  `json:"url"`
	Title string  `json:"title"`
	Trust float64 `json:"trust"`
}

type searchResponse struct {
	Query   string         `json:"query"`
	Results []searchResult `json:"results"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	pages, err := s.svc.Search(r.Context(), q)
	if err != nil {
		s.logger.Error("search failed", zap.String("query", q), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	resp := searchResponse{Query: q, Results: make([]searchResult, 0, len(pages))}
	for _, p := range pages {
		resp.Results = append(resp.Results, searchResult{URL: p.URL, Title: p.Title, Trust: p.Trust})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	URL string `json:"url"`
}

type submitResponse struct {
	Page       crawler.Page `json:"page"`
	Outcome    string       `json:"outcome"`
	Message    string       `json:"message"`
	FetchError string       `json:"fetch_error,omitempty"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	res, err := s.svc.Submit(r.Context(), req.URL)
	if err != nil {
		switch {
		case errors.Is(err, query.ErrInvalidURL):
			s.writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		case errors.Is(err, context.DeadlineExceeded):
			s.writeError(w, http.StatusGatewayTimeout, "submission timed out")
		default:
			s.logger.Error("submit failed", zap.String("url", req.URL), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}
	resp := submitResponse{
		Page:    res.Page,
		Outcome: string(res.Outcome),
		Message: res.Outcome.Message(),
	}
	if res.FetchErr != nil {
		resp.FetchError = "page could not be fetched"
	}
	status := http.StatusOK
	if res.Outcome == query.OutcomeCreated {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

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
