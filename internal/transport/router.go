package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/firewall"
	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/internal/openapi"
	"github.com/pitabwire/evalflow/internal/queue"
	"github.com/pitabwire/evalflow/internal/store"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
// Nil optional fields disable the routes or middleware that need them.
type Dependencies struct {
	Config          *config.Config
	Queue           queue.Queue
	Executions      ExecutionReader
	Results         store.ResultStore
	Firewall        *firewall.Firewall
	APIDoc          *openapi.Index
	ReadinessChecks observability.ReadinessChecks
	Gatherer        prometheus.Gatherer
	Logger          *zap.Logger
	Metrics         *observability.Metrics
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and the API description
// bypass the firewall.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.ReadinessChecks))
	if deps.Gatherer != nil && deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}
	if deps.APIDoc != nil {
		r.Get("/openapi.json", deps.APIDoc.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(BuildRequestContext)
		r.Use(RequestLogging(logger))
		if deps.Firewall != nil {
			r.Use(deps.Firewall.Middleware)
		}
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		if deps.Config.Gateway.Enabled && deps.Queue != nil {
			r.Post("/evaluate", handleEvaluate(deps.Queue, deps.Config.Gateway, logger, deps.Metrics))
		}
		if deps.Executions != nil {
			r.Get("/executions/{executionId}", handleGetExecution(deps.Executions))
		}
		if deps.Results != nil {
			r.Get("/results/{id}", handleGetResult(deps.Results))
		}
	})

	return r
}
