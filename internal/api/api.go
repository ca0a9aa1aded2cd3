// Package api serves the browser-facing JSON endpoints. Request and response
// fields keep the names of the web worker protocol the viewer already speaks.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/reprsim/internal/core"
	"github.com/23skdu/reprsim/internal/limiter"
	"github.com/23skdu/reprsim/internal/metrics"
	"github.com/23skdu/reprsim/internal/similarity"
	"github.com/23skdu/reprsim/internal/store"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusLoading = "loading"
)

// maxBodyBytes bounds request bodies; every request is a handful of fields.
const maxBodyBytes = 64 << 10

// FetchReprRequest asks the server to load a representation. N is the grid
// side and M the embedding width.
type FetchReprRequest struct {
	ID  json.RawMessage `json:"id,omitempty"`
	URL string          `json:"url"`
	N   int             `json:"n"`
	M   int             `json:"m"`
}

// CalcSimilaritiesRequest asks for the similarity map of one position.
type CalcSimilaritiesRequest struct {
	ID       json.RawMessage `json:"id,omitempty"`
	Func     string          `json:"func"`
	Repr1Str string          `json:"repr1_str"`
	Repr2Str string          `json:"repr2_str"`
	Row      int             `json:"row"`
	Col      int             `json:"col"`
}

// Response is the envelope of every POST endpoint.
type Response struct {
	ID           json.RawMessage `json:"id,omitempty"`
	Status       string          `json:"status"`
	Msg          string          `json:"msg,omitempty"`
	Similarities []float32       `json:"similarities,omitempty"`
}

// RepresentationsResponse lists loaded keys.
type RepresentationsResponse struct {
	Keys  []string `json:"keys"`
	Count int      `json:"count"`
}

// MetricsResponse lists supported similarity functions.
type MetricsResponse struct {
	Metrics []string `json:"metrics"`
}

type Server struct {
	store   *store.Store
	engine  *similarity.Engine
	limiter *limiter.RateLimiter
	health  http.Handler
	logger  zerolog.Logger
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithRateLimiter(l *limiter.RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithHealth mounts h at GET /health.
func WithHealth(h http.Handler) Option {
	return func(s *Server) { s.health = h }
}

func NewServer(st *store.Store, engine *similarity.Engine, opts ...Option) *Server {
	s := &Server{
		store:   st,
		engine:  engine,
		limiter: limiter.NewRateLimiter(limiter.Config{}),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API handler with rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/fetch_repr", s.instrument("fetch_repr", s.handleFetchRepr))
	mux.Handle("POST /api/calc_similarities", s.instrument("calc_similarities", s.handleCalcSimilarities))
	mux.Handle("GET /api/representations", s.instrument("representations", s.handleRepresentations))
	mux.Handle("GET /api/metrics", s.instrument("metrics", s.handleMetrics))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if s.health != nil {
		mux.Handle("GET /health", s.health)
	}
	return securityHeaders(s.limiter.Middleware(mux))
}

// securityHeaders marks every response as non-sniffable, non-frameable and
// uncacheable.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleFetchRepr(w http.ResponseWriter, r *http.Request) int {
	var req FetchReprRequest
	if err := decode(w, r, &req); err != nil {
		return s.writeJSON(w, http.StatusBadRequest, Response{Status: StatusError, Msg: err.Error()})
	}
	if req.URL == "" {
		return s.writeJSON(w, http.StatusBadRequest, Response{ID: req.ID, Status: StatusError, Msg: "url is required"})
	}

	if err := s.store.IngestURL(r.Context(), req.URL, req.N, req.M); err != nil {
		return s.writeError(w, req.ID, err)
	}
	return s.writeJSON(w, http.StatusOK, Response{ID: req.ID, Status: StatusSuccess})
}

func (s *Server) handleCalcSimilarities(w http.ResponseWriter, r *http.Request) int {
	var req CalcSimilaritiesRequest
	if err := decode(w, r, &req); err != nil {
		return s.writeJSON(w, http.StatusBadRequest, Response{Status: StatusError, Msg: err.Error()})
	}

	scores, err := s.engine.SimilarityByName(r.Context(), req.Func, req.Repr1Str, req.Repr2Str, req.Row, req.Col)
	if err != nil {
		return s.writeError(w, req.ID, err)
	}
	return s.writeJSON(w, http.StatusOK, Response{ID: req.ID, Status: StatusSuccess, Similarities: scores})
}

func (s *Server) handleRepresentations(w http.ResponseWriter, _ *http.Request) int {
	keys := s.store.Keys()
	return s.writeJSON(w, http.StatusOK, RepresentationsResponse{Keys: keys, Count: len(keys)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) int {
	all := core.Metrics()
	names := make([]string, len(all))
	for i, m := range all {
		names[i] = m.String()
	}
	return s.writeJSON(w, http.StatusOK, MetricsResponse{Metrics: names})
}

// writeError maps domain errors to HTTP. NotReady is the only retryable
// outcome and carries Retry-After so pollers back off.
func (s *Server) writeError(w http.ResponseWriter, id json.RawMessage, err error) int {
	var te *core.TransportError
	switch {
	case core.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		return s.writeJSON(w, http.StatusServiceUnavailable, Response{ID: id, Status: StatusLoading, Msg: err.Error()})
	case core.IsInvalidInput(err):
		return s.writeJSON(w, http.StatusBadRequest, Response{ID: id, Status: StatusError, Msg: err.Error()})
	case errors.As(err, &te):
		return s.writeJSON(w, http.StatusBadGateway, Response{ID: id, Status: StatusError, Msg: err.Error()})
	default:
		s.logger.Error().Err(err).Msg("Unexpected API error")
		return s.writeJSON(w, http.StatusInternalServerError, Response{ID: id, Status: StatusError, Msg: err.Error()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) int {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
		code = http.StatusInternalServerError
		body = []byte(`{"status":"error","msg":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(append(body, '\n')); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
	return code
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid json body: " + err.Error())
	}
	return nil
}

// instrument logs and counts every request routed to h.
func (s *Server) instrument(route string, h func(http.ResponseWriter, *http.Request) int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		code := h(w, r)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()

		evt := s.logger.Debug()
		if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
			evt = s.logger.Warn()
		}
		evt.Str("route", route).
			Str("method", r.Method).
			Int("code", code).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}
