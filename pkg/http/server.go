// Package http serves the bridge's HTTP surface: the operator control
// API, the inbound overlay relay endpoint, the Matrix Server-Server
// passthroughs, and the live event stream. TLS termination belongs to
// the gateway in front of the bridge.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/dispatch"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/eventbus"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/logger"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/routes"
)

// Config holds configuration for the bridge HTTP server.
type Config struct {
	Addr              string
	EnableCORS        bool
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Directory lists servers known through cached room membership. A nil
// Directory limits the servers endpoint to the route table.
type Directory interface {
	MemberServers(ctx context.Context) ([]string, error)
}

// Server is the bridge HTTP server.
type Server struct {
	config     Config
	dispatcher *dispatch.Dispatcher
	routes     *routes.Table
	directory  Directory
	bus        *eventbus.Bus
	log        *logger.Logger
	limiter    *rate.Limiter
	httpServer *http.Server
}

// Deps are the components the HTTP surface exposes. Directory and Bus
// may be nil.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Routes     *routes.Table
	Directory  Directory
	Bus        *eventbus.Bus
	Log        *logger.Logger
}

// NewServer creates the bridge HTTP server.
func NewServer(config Config, deps Deps) *Server {
	if config.Addr == "" {
		config.Addr = "0.0.0.0:8081"
	}
	if config.RateLimitRequests <= 0 {
		config.RateLimitRequests = 1000
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = time.Minute
	}
	log := deps.Log
	if log == nil {
		log = logger.Global()
	}

	perSecond := rate.Limit(float64(config.RateLimitRequests) / config.RateLimitWindow.Seconds())

	return &Server{
		config:     config,
		dispatcher: deps.Dispatcher,
		routes:     deps.Routes,
		directory:  deps.Directory,
		bus:        deps.Bus,
		log:        log.WithComponent("http"),
		limiter:    rate.NewLimiter(perSecond, config.RateLimitRequests),
	}
}

// Handler builds the route table for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Bridge control API
	mux.HandleFunc("GET /api/v1/bridge/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/bridge/federation/send", s.handleFederationSend)
	mux.HandleFunc("POST /api/v1/bridge/events/translate/matrix", s.handleTranslateMatrix)
	mux.HandleFunc("POST /api/v1/bridge/events/translate/mycelium", s.handleTranslateMycelium)
	mux.HandleFunc("GET /api/v1/bridge/servers", s.handleServers)
	mux.HandleFunc("GET /api/v1/bridge/routes", s.handleRoutesList)
	mux.HandleFunc("POST /api/v1/bridge/routes", s.handleRouteAdd)
	mux.HandleFunc("DELETE /api/v1/bridge/routes/{server}", s.handleRouteRemove)
	mux.HandleFunc("POST /api/v1/bridge/mycelium/incoming", s.handleIncoming)
	mux.HandleFunc("POST /api/v1/bridge/test/federation/{server}", s.handleTestFederation)
	mux.HandleFunc("GET /api/v1/bridge/events", s.handleEvents)

	// Matrix Server-Server API
	mux.HandleFunc("PUT /_matrix/federation/v1/send/{txnId}", s.handleSendTransaction)
	mux.HandleFunc("GET /_matrix/federation/v1/state/{roomId}", s.handlePassthrough)
	mux.HandleFunc("GET /_matrix/federation/v1/state_ids/{roomId}", s.handlePassthrough)
	mux.HandleFunc("GET /_matrix/federation/v1/backfill/{roomId}", s.handlePassthrough)
	mux.HandleFunc("GET /_matrix/federation/v1/query/{queryType}", s.handleQuery)
	mux.HandleFunc("GET /_matrix/federation/v1/user/devices/{userId}", s.handlePassthrough)
	mux.HandleFunc("GET /_matrix/federation/v1/make_join/{roomId}/{userId}", s.handlePassthrough)
	mux.HandleFunc("PUT /_matrix/federation/v1/send_join/{roomId}/{eventId}", s.handlePassthrough)
	mux.HandleFunc("GET /_matrix/federation/v1/make_leave/{roomId}/{userId}", s.handlePassthrough)
	mux.HandleFunc("PUT /_matrix/federation/v1/send_leave/{roomId}/{eventId}", s.handlePassthrough)
	mux.HandleFunc("PUT /_matrix/federation/v1/invite/{roomId}/{eventId}", s.handlePassthrough)
	mux.HandleFunc("GET /_matrix/federation/v1/make_knock/{roomId}/{userId}", s.handlePassthrough)
	mux.HandleFunc("PUT /_matrix/federation/v1/send_knock/{roomId}/{eventId}", s.handlePassthrough)

	return s.corsMiddleware(s.rateLimitMiddleware(mux))
}

// Start runs the server until it is shut down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Info("Starting bridge HTTP server", "addr", s.config.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		s.log.Info("Stopping bridge HTTP server")
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow() {
			s.renderError(w, errors.ResourceExhausted("Rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.EnableCORS {
			origin := r.Header.Get("Origin")
			allowed := false

			for _, o := range s.config.AllowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Federation-Destination")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("Failed to write response", "error", err)
	}
}

// renderError maps a bridge error onto its HTTP status with the
// public-safe message.
func (s *Server) renderError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= 500 {
		s.log.Error("Request failed", "status", status, "error", err)
	} else {
		s.log.Debug("Request rejected", "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]any{"error": errors.PublicMessage(err)})
}

// decodeJSON reads a request body into v, mapping malformed JSON to an
// InvalidRequest error.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.InvalidRequest("Invalid request body: %v", err)
	}
	return nil
}
