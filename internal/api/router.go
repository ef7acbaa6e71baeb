package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/vitaliisemenov/syncengine/internal/api/middleware"
	"github.com/vitaliisemenov/syncengine/internal/inspector"
	"github.com/vitaliisemenov/syncengine/internal/protocol"
)

// RouterConfig holds the dependencies NewRouter wires into the top-level
// HTTP router.
type RouterConfig struct {
	SyncHub    http.Handler // handles the /sync/v{N}/connect upgrade, per §6
	Inspector  *inspector.Inspector
	Health     http.HandlerFunc
	Ready      http.HandlerFunc
	Metrics    http.Handler
	MetricsPath string

	EnableCORS bool
	CORSConfig middleware.CORSConfig

	Logger *slog.Logger
}

// DefaultRouterConfig returns a RouterConfig with CORS enabled and the
// teacher's permissive default CORS policy.
func DefaultRouterConfig(logger *slog.Logger) RouterConfig {
	return RouterConfig{
		EnableCORS: true,
		CORSConfig: middleware.DefaultCORSConfig(),
		Logger:     logger,
	}
}

// NewRouter builds the top-level gorilla/mux router fronting the sync
// WebSocket upgrade, the Inspector's HTTP fallback, health/readiness, and
// Prometheus metrics, per SPEC_FULL.md's DOMAIN STACK table.
//
// Middleware order mirrors the teacher's NewRouter: RequestID always
// first, CORS next if enabled. Logging and metrics middleware are applied
// by the caller around the returned router, matching cmd/syncserver's
// existing chain instead of being duplicated here.
func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	if cfg.EnableCORS {
		router.Use(middleware.CORSMiddleware(cfg.CORSConfig))
	}

	// Registered before the /sync/ prefix: mux matches routes in order, so
	// the prefix would otherwise swallow the inspect route.
	setupInspectorFallbackRoutes(router, cfg.Inspector)
	router.PathPrefix("/sync/").Handler(cfg.SyncHub)

	router.HandleFunc("/healthz", cfg.Health).Methods(http.MethodGet)
	router.HandleFunc("/readyz", cfg.Ready).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		router.Handle(cfg.MetricsPath, cfg.Metrics).Methods(http.MethodGet)
	}

	setupDocumentationRoutes(router)

	return router
}

// setupInspectorFallbackRoutes exposes the Inspector's authenticate/
// version/metrics/queries/analyze-query ops over plain HTTP POST, for
// operators and tooling that cannot open a WebSocket connection to drive
// an inspect message, per SPEC_FULL.md's "inspector HTTP fallback
// routes" DOMAIN STACK entry. The wire shape is identical to the inspect
// tag's body/response on the sync transport; only the transport differs.
func setupInspectorFallbackRoutes(router *mux.Router, insp *inspector.Inspector) {
	router.HandleFunc("/sync/v1/inspect/{clientGroupID}", func(w http.ResponseWriter, r *http.Request) {
		clientGroupID := mux.Vars(r)["clientGroupID"]

		var body protocol.InspectBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "malformed inspect body", http.StatusBadRequest)
			return
		}

		resp := insp.Dispatch(r.Context(), clientGroupID, body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}).Methods(http.MethodPost)
}

// setupDocumentationRoutes serves the OpenAPI docs for the Inspector's
// HTTP-fallback routes above.
func setupDocumentationRoutes(router *mux.Router) {
	router.PathPrefix("/docs").Handler(httpSwagger.WrapHandler)
}
