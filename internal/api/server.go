// Package api serves the HTTP side of huddle: health, stats, Prometheus
// metrics and the WebSocket upgrade endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"huddle/internal/logging"
	"huddle/internal/router"
)

// HealthChecker is the durable store's liveness probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// breakerStater is implemented by stores wrapped in a circuit breaker.
type breakerStater interface {
	State() string
}

// StatsSource supplies the engine snapshot.
type StatsSource interface {
	Stats() router.Stats
}

// ConnectionCounter reports live sockets.
type ConnectionCounter interface {
	Count() int
}

// Deps are the collaborators the HTTP surface reads from.
type Deps struct {
	Store       HealthChecker
	Stats       StatsSource
	Connections ConnectionCounter
	// Metrics serves /metrics; nil leaves the route unmounted.
	Metrics http.Handler
	// WebSocket serves /ws; nil leaves the route unmounted.
	WebSocket http.Handler
}

// ARCHITECTURAL DISCOVERY: the HTTP layer holds no chat logic; it only
// reports state and hands /ws to the socket handler.
type Server struct {
	deps    Deps
	mux     chi.Router
	started time.Time
	log     zerolog.Logger
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Database    string    `json:"database"`
	Breaker     string    `json:"breaker,omitempty"`
	Connections int       `json:"connections"`
	Uptime      string    `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		started: time.Now(),
		log:     logging.Component("api"),
	}
	s.mux = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.sendError(w, "no such route", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	r.Get("/health", s.healthCheck)
	r.Get("/api/stats", s.stats)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if s.deps.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", s.deps.WebSocket)
	}
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// healthCheck answers 503 when the store probe fails or the breaker is open.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "error: " + err.Error()
		}
		if b, ok := s.deps.Store.(breakerStater); ok {
			resp.Breaker = b.State()
		}
	}
	if s.deps.Connections != nil {
		resp.Connections = s.deps.Connections.Count()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats == nil {
		s.sendError(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Stats.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("encode response")
		code = http.StatusInternalServerError
		body = []byte(`{"error":"Internal Server Error","code":500,"message":"encode failed"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// requestLogger logs one line per request. Upgraded sockets are logged when
// the handler returns, which is right after the upgrade.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

// corsMiddleware lets browser dashboards read the JSON endpoints.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
