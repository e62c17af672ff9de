package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/config"
	"github.com/pitabwire/matterflow/internal/observability"
	"github.com/pitabwire/matterflow/internal/workflow"
	"github.com/pitabwire/matterflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Engine             *workflow.Engine
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Readiness          observability.ReadinessChecks
	Metrics            *observability.Metrics
	Gatherer           prometheus.Gatherer
	Logger             *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		e := deps.Engine

		r.Route("/templates", func(r chi.Router) {
			r.With(RequireCapability(model.CapTemplateRead)).Get("/", handleTemplateList(e))
			r.With(RequireCapability(model.CapTemplateWrite)).Post("/", handleTemplateRegister(e))
			r.With(RequireCapability(model.CapTemplateRead)).Post("/validate", handleTemplateValidate(e))
			r.With(RequireCapability(model.CapTemplateRead)).Get("/{templateRef}", handleTemplateGet(e))
		})

		r.Route("/instances", func(r chi.Router) {
			r.With(RequireCapability(model.CapInstanceRead)).Get("/", handleInstanceList(e))
			r.With(RequireCapability(model.CapInstanceCreate)).Post("/", handleInstanceCreate(e))

			r.Route("/{instanceId}", func(r chi.Router) {
				r.With(RequireCapability(model.CapInstanceRead)).Get("/", handleInstanceGet(e))
				r.With(RequireCapability(model.CapInstanceCreate)).Post("/activate", handleInstanceAction(e.ActivateInstance))
				r.With(RequireCapability(model.CapInstanceManage)).Post("/pause", handleInstanceAction(e.PauseInstance))
				r.With(RequireCapability(model.CapInstanceManage)).Post("/resume", handleInstanceAction(e.ResumeInstance))
				r.With(RequireCapability(model.CapInstanceManage)).Post("/cancel", handleInstanceCancel(e))
				r.With(RequireCapability(model.CapNotificationRead)).Get("/notifications", handleInstanceNotifications(e))

				r.Route("/steps/{stepId}", func(r chi.Router) {
					r.With(RequireCapability(model.CapInstanceRead)).Get("/", handleStepGet(e))

					r.Group(func(r chi.Router) {
						r.Use(RequireCapability(model.CapStepAct))
						r.Post("/start", handleStepAction(e.StartStep))
						r.Post("/claim", handleStepAction(e.ClaimStep))
						r.Post("/retry", handleStepAction(e.RetryStep))
						r.Post("/complete", handleStepComplete(e))
						r.Post("/fail", handleStepWithReason(e.FailStep))
						r.Post("/skip", handleStepWithReason(e.SkipStep))
						r.Post("/events", handleStepEvent(e))
					})
				})
			})
		})
	})

	return r
}
