package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"keygate/internal/infrastructure"
	"keygate/internal/registry"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	registry *registry.Registry
	started  time.Time
	logger   *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(reg *registry.Registry, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		registry: reg,
		started:  time.Now(),
		logger:   logger.With(slog.String("handler", "health")),
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Liveness handles GET /healthz. It only reports that the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, healthResponse{
		Status:  "ok",
		Version: infrastructure.ServiceVersion,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}

// Readiness handles GET /readyz. Not ready means the license store is
// unreachable and verdicts cannot be produced.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.registry.Ping(ctx); err != nil {
		h.logger.WarnContext(ctx, "readiness check failed",
			slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, healthResponse{
			Status:  "unavailable",
			Version: infrastructure.ServiceVersion,
			Uptime:  time.Since(h.started).Round(time.Second).String(),
		})
		return
	}

	render.JSON(w, r, healthResponse{
		Status:  "ready",
		Version: infrastructure.ServiceVersion,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}
