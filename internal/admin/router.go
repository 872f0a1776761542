// Package admin serves the operational HTTP API of a worker process.
package admin

import (
	"context"
	"net/http"

	"github.com/UniQw/searchsync"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller is the worker surface driven by the API. *searchsync.Worker
// implements it.
type Controller interface {
	ID() string
	State() searchsync.WorkerState
	Failures() int
	Stats() searchsync.Stats
	Health(ctx context.Context) (*searchsync.Health, error)
	ForceProcess(ctx context.Context) (*searchsync.BatchResult, error)
	ForceCleanup(ctx context.Context) (searchsync.CleanupResult, error)
	ForceReset(ctx context.Context) (searchsync.ResetResult, error)
}

var _ Controller = (*searchsync.Worker)(nil)

// App holds the dependencies of the handlers.
type App struct {
	Worker Controller
	Client *searchsync.Client
	// Metrics serves /metrics; promhttp.Handler() when nil.
	Metrics http.Handler
}

// NewRouter returns the API router.
func NewRouter(app *App) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	RegisterRoutes(r, app)
	return r
}

func RegisterRoutes(r chi.Router, app *App) {
	metrics := app.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Get("/healthz", healthzHandler)
	r.Get("/health", app.healthHandler)
	r.Get("/state", app.stateHandler)
	r.Get("/tasks", app.listTasksHandler)
	r.Get("/tasks/{task_id}", app.getTaskHandler)
	r.Delete("/tasks/{task_id}", app.deleteTaskHandler)
	r.Post("/tasks/{task_id}/retry", app.retryTaskHandler)
	r.Post("/resync/{kind}/{target_id}", app.resyncHandler)
	r.Post("/process", app.processHandler)
	r.Post("/cleanup", app.cleanupHandler)
	r.Post("/reset", app.resetHandler)
	r.Method(http.MethodGet, "/metrics", metrics)
}
