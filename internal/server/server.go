// Package server exposes the engine over REST plus a websocket realtime
// channel. Routing uses gorilla/mux; every failing response is an
// application/problem+json payload.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tinybase/tinybase/internal/bus"
	"github.com/tinybase/tinybase/internal/engine"
	"github.com/tinybase/tinybase/internal/registry"
)

// Server is the HTTP surface. It implements http.Handler.
type Server struct {
	engine   *engine.Engine
	reg      *registry.Registry
	bus      *bus.Bus
	log      *slog.Logger
	resolver IdentityResolver
	pageSize int
	upgrader websocket.Upgrader
	router   *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithIdentityResolver replaces the identity resolver. Use this to plug a
// real auth provider in front of the engine.
func WithIdentityResolver(r IdentityResolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithAdminToken enables the built-in bearer-token admin resolver.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.resolver = adminTokenResolver{token: token} }
}

// WithPageSize sets the list page size used when the client passes no limit.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New creates a Server over the engine and its collaborators.
func New(eng *engine.Engine, reg *registry.Registry, b *bus.Bus, opts ...Option) *Server {
	s := &Server{
		engine:   eng,
		reg:      reg,
		bus:      b,
		log:      slog.Default(),
		resolver: adminTokenResolver{},
		pageSize: 30,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/collections", s.handleDefineCollection).Methods(http.MethodPost)
	api.HandleFunc("/collections", s.handleListCollections).Methods(http.MethodGet)
	api.HandleFunc("/collections/{name}", s.handleGetCollection).Methods(http.MethodGet)
	api.HandleFunc("/collections/{name}", s.handleAlterCollection).Methods(http.MethodPatch)
	api.HandleFunc("/collections/{name}", s.handleDeleteCollection).Methods(http.MethodDelete)

	api.HandleFunc("/collections/{name}/records", s.handleCreateRecord).Methods(http.MethodPost)
	api.HandleFunc("/collections/{name}/records", s.handleListRecords).Methods(http.MethodGet)
	api.HandleFunc("/collections/{name}/records/{id}", s.handleViewRecord).Methods(http.MethodGet)
	api.HandleFunc("/collections/{name}/records/{id}", s.handleUpdateRecord).Methods(http.MethodPatch)
	api.HandleFunc("/collections/{name}/records/{id}", s.handleDeleteRecord).Methods(http.MethodDelete)

	api.HandleFunc("/realtime", s.handleRealtime).Methods(http.MethodGet)

	r.Use(s.logRequests)
	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// session resolves the caller identity and rule-visible query parameters.
func (s *Server) session(r *http.Request) (engine.Session, error) {
	ident, err := s.resolver.Resolve(r)
	if err != nil {
		return engine.Session{}, err
	}
	query := map[string]string{}
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			query[key] = vals[0]
		}
	}
	return engine.Session{Auth: ident, Query: query}, nil
}

// statusRecorder captures the response status for the request log line.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Websocket upgrades hijack the connection; wrapping the writer
		// would break the upgrade handshake.
		if r.URL.Path == "/api/realtime" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
