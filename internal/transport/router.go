package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/config"
	"github.com/Senneseph/edge-hive/internal/dispatch"
	"github.com/Senneseph/edge-hive/internal/provider"
	"github.com/Senneseph/edge-hive/internal/runtime"
	"github.com/Senneseph/edge-hive/internal/store"
)

// Dependencies holds all injected dependencies for the HTTP transport
// layer.
type Dependencies struct {
	Config    *config.Config
	Log       *zap.Logger
	Store     store.Store
	Index     *dispatch.Index
	Runtime   *runtime.Registry
	Providers *provider.Registry
	Compiler  HandlerCompiler
	// Gateway is the catch-all handler serving every path the admin
	// surface does not claim.
	Gateway http.Handler
	// Ready reports readiness; nil means always ready.
	Ready http.Handler
	// Metrics serves the Prometheus scrape endpoint; nil disables it.
	Metrics http.Handler
}

// NewRouter creates a chi.Router with the admin API, the public health
// and metrics endpoints, and the gateway catch-all. Gateway traffic skips
// the admin middleware; the dispatcher manages its own request ids and
// logging.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Log))
	r.Use(CORS(deps.Config.Server.CORS))

	// Public routes.
	r.Get("/health", handleHealth)
	if deps.Ready != nil {
		r.Method(http.MethodGet, "/ready", deps.Ready)
	} else {
		r.Get("/ready", handleReady)
	}
	if deps.Metrics != nil && deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, deps.Metrics)
	}

	endpoints := &endpointAPI{
		store:    deps.Store,
		index:    deps.Index,
		runtime:  deps.Runtime,
		compiler: deps.Compiler,
		drain:    deps.Config.Runtime.DrainDeadline,
		log:      deps.Log,
	}
	services := &providerAPI{registry: deps.Providers}
	stats := &statsAPI{store: deps.Store, runtime: deps.Runtime, registry: deps.Providers}

	r.Route("/admin", func(r chi.Router) {
		r.Use(RequestID)
		r.Use(SecurityHeaders)
		r.Use(RequestLogging(deps.Log))

		r.Get("/health", handleHealth)
		r.Get("/stats", stats.stats)

		r.Route("/endpoints", func(r chi.Router) {
			r.Get("/", endpoints.list)
			r.Post("/", endpoints.create)
			r.Get("/{id}", endpoints.get)
			r.Put("/{id}", endpoints.update)
			r.Delete("/{id}", endpoints.delete)
			r.Post("/{id}/compile", endpoints.compile)
			r.Post("/{id}/start", endpoints.start)
			r.Post("/{id}/stop", endpoints.stop)
		})

		r.Route("/services", func(r chi.Router) {
			r.Get("/", services.list)
			r.Post("/", services.create)
			r.Get("/{id}", services.get)
			r.Put("/{id}", services.update)
			r.Delete("/{id}", services.delete)
			r.Post("/{id}/activate", services.activate)
			r.Post("/{id}/deactivate", services.deactivate)
			r.Post("/{id}/test", services.test)
		})
	})

	if deps.Gateway != nil {
		r.Handle("/*", deps.Gateway)
	}

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
