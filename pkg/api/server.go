package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/openshelf/openshelf/pkg/access"
	"github.com/openshelf/openshelf/pkg/analytics"
	"github.com/openshelf/openshelf/pkg/auth"
	"github.com/openshelf/openshelf/pkg/contextkeys"
	"github.com/openshelf/openshelf/pkg/idp"
	"github.com/openshelf/openshelf/pkg/observability"
	"github.com/openshelf/openshelf/pkg/sync"
)

// Server is the openshelf API server
type Server struct {
	router *mux.Router

	orchestrator *sync.Orchestrator
	syncStore    sync.Store
	accessReader access.Reader
	maintainer   *access.Maintainer
	idpService   *idp.Service
	eventTracker *analytics.EventTracker

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewServer creates the API server and wires its routes. eventTracker may be
// nil when analytics are disabled platform-wide.
func NewServer(
	orchestrator *sync.Orchestrator,
	syncStore sync.Store,
	accessReader access.Reader,
	maintainer *access.Maintainer,
	idpService *idp.Service,
	eventTracker *analytics.EventTracker,
	verifier auth.Verifier,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		orchestrator: orchestrator,
		syncStore:    syncStore,
		accessReader: accessReader,
		maintainer:   maintainer,
		idpService:   idpService,
		eventTracker: eventTracker,
		logger:       logger,
		metrics:      metrics,
	}

	s.router.Use(s.requestContextMiddleware)
	s.router.Use(observability.PanicMiddleware(logger))
	s.router.Use(observability.HTTPMetricsMiddleware(metrics))
	s.router.Use(auth.Middleware(verifier))

	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	// Sync routes
	s.router.HandleFunc("/api/v1/books/{bookID}/sync", s.applyPatch).Methods("PUT")
	s.router.HandleFunc("/api/v1/books/{bookID}/sync", s.getState).Methods("GET")

	// Access routes
	s.router.HandleFunc("/api/v1/books/{bookID}/access", s.getAccess).Methods("GET")

	// IDP grant ingestion
	s.router.HandleFunc("/api/v1/idp/grants", s.pushGrants).Methods("POST")

	// Admin routes
	s.router.HandleFunc("/api/v1/admin/tenants/{tenantID}/access/recompute", s.recomputeAccess).Methods("POST")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestContextMiddleware assigns a request id and a request-scoped logger
func (s *Server) requestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		ctx = observability.WithLogger(ctx, s.logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
