package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"consolidated_book/internal/infra/metrics"
	"consolidated_book/internal/orderbook"
)

const defaultMaxDepth = 50

// Options carries the transport settings taken from config. MaxDepth caps the
// depth a client may request from the snapshot endpoint.
type Options struct {
	CORSOrigin string
	MaxDepth   int
	Registry   *prometheus.Registry
}

type Server struct {
	mux      *http.ServeMux
	agg      *orderbook.Aggregator
	logger   zerolog.Logger
	cors     string
	maxDepth int
	ready    atomic.Bool
}

func New(agg *orderbook.Aggregator, logger zerolog.Logger, opts Options) *Server {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.MaxDepth < agg.Depth() {
		opts.MaxDepth = agg.Depth()
	}
	srv := &Server{
		mux:      http.NewServeMux(),
		agg:      agg,
		logger:   logger.With().Str("component", "http").Logger(),
		cors:     opts.CORSOrigin,
		maxDepth: opts.MaxDepth,
	}
	srv.routes(opts.Registry)
	return srv
}

func (s *Server) routes(reg *prometheus.Registry) {
	s.mux.HandleFunc("GET /api/symbols", s.handleSymbols)
	s.mux.HandleFunc("GET /api/book/{symbol}", s.handleBook)
	s.mux.HandleFunc("POST /api/order", s.handleNewOrder)
	s.mux.HandleFunc("PUT /api/order/{orderId}", s.handleModifyOrder)
	s.mux.HandleFunc("DELETE /api/order/{orderId}", s.handleCancelOrder)
	s.mux.HandleFunc("POST /api/events", s.handleEvent)
	s.mux.HandleFunc("DELETE /api/sources/{source}/{symbol}", s.handleUnregisterSource)
	s.mux.HandleFunc("GET /stream/book", s.handleBookStream)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if reg != nil {
		s.mux.Handle("GET /metrics", metrics.Handler(reg))
	}
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(v bool) { s.ready.Store(v) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", s.cors)
	if r.Method == http.MethodOptions {
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// Handler wraps the server in request logging.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.logger, s)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols": s.agg.Health(),
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	http.Error(w, "not ready", http.StatusServiceUnavailable)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ingestStatus maps aggregator errors to HTTP status codes.
func ingestStatus(err error) int {
	switch {
	case errors.Is(err, orderbook.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, orderbook.ErrMalformedEvent), errors.Is(err, orderbook.ErrMissingSymbol):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
