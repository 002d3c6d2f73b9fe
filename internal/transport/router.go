package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stagetrack/internal/config"
	"github.com/pitabwire/stagetrack/internal/idempotency"
	"github.com/pitabwire/stagetrack/internal/observability"
	"github.com/pitabwire/stagetrack/internal/openapi"
	"github.com/pitabwire/stagetrack/internal/workflow"
	"github.com/pitabwire/stagetrack/model"
)

var (
	_ workflow.Recorder   = (*observability.Metrics)(nil)
	_ IdempotencyRecorder = (*observability.Metrics)(nil)
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Executor           BatchExecutor
	Insights           *workflow.Insights
	OpenAPI            *openapi.Document
	Idempotency        idempotency.Store
	Metrics            *observability.Metrics
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and the API document
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{
		executor:    deps.Executor,
		insights:    deps.Insights,
		doc:         deps.OpenAPI,
		idempotency: deps.Idempotency,
		idemTTL:     idempotencyTTL(deps.Config),
		recorder:    nopIdempotencyRecorder{},
		logger:      logger,
	}
	if deps.Metrics != nil {
		h.recorder = deps.Metrics
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes, no authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Handle(metricsPath(deps.Config), observability.Handler())
	}
	if deps.OpenAPI != nil {
		r.Get("/api/openapi.json", h.openAPIDocument)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths, logger))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		// The executor authorizes moves per operation.
		r.Post("/api/items/move", h.moveItems)
		r.With(RequireCapability(model.CapabilityItemsForward)).Post("/api/items", h.registerItem)

		r.Group(func(r chi.Router) {
			r.Use(RequireCapability(model.CapabilityItemsView))
			r.Get("/api/items/{itemId}/history", h.itemHistory)
			r.Get("/api/items/{itemId}/rework-targets", h.reworkTargets)
			r.Get("/api/insights/bottlenecks", h.bottlenecks)
			r.Get("/api/insights/overview", h.overview)
			r.Get("/api/insights/rework-count", h.reworkCount)
			r.Get("/api/insights/activity", h.recentActivity)
			r.Get("/api/workflow", h.workflowPositions)
			r.Get("/api/workflow/positions/items", h.itemsAtPosition)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireCapability(model.CapabilityStagesManage))
			r.Post("/api/stages", h.createStage)
			r.Post("/api/stages/{stageId}/sub-stages", h.createSubStage)
		})
	})

	return r
}

func idempotencyTTL(cfg *config.Config) time.Duration {
	if ttl := cfg.Idempotency.Store.DefaultTTL; ttl > 0 {
		return ttl
	}
	return 24 * time.Hour
}

func metricsPath(cfg *config.Config) string {
	if p := cfg.Observability.Metrics.Path; p != "" {
		return p
	}
	return "/metrics"
}
