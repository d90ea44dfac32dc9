package http

import (
	stderrors "errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"keygate/internal/errors"
	"keygate/internal/middleware"
	"keygate/internal/registry"
	"keygate/pkg/contracts/domain"
)

// AdminHandler serves license administration: issuance, listing and the
// ACTIVE⇄REVOKED status transitions. Every route expects an authenticated
// admin actor placed in the context by middleware.AdminAuth; the registry
// re-checks the capability before touching state.
type AdminHandler struct {
	registry *registry.Registry
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(reg *registry.Registry, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		registry: reg,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns the chi router for admin endpoints, mounted under
// /api/v1/admin/licenses.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Issue)
	r.Get("/", h.List)
	r.Put("/{licenseID}/status", h.SetStatus)
	return r
}

// Issue handles POST /api/v1/admin/licenses.
func (h *AdminHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.ActorFromContext(ctx)

	var req domain.IssueLicenseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.InvalidRequestWithError(err)))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.InvalidRequestWithError(err)))
		return
	}

	lic, err := h.registry.Issue(ctx, actor, req.AppID, req.ExpiresAt)
	if err != nil {
		h.renderRegistryError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, lic.ToDomain())
}

// List handles GET /api/v1/admin/licenses?app_id=.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.ActorFromContext(ctx)
	appID := r.URL.Query().Get("app_id")

	licenses, err := h.registry.List(ctx, actor, appID)
	if err != nil {
		h.renderRegistryError(w, r, err)
		return
	}

	out := make([]domain.License, 0, len(licenses))
	for _, lic := range licenses {
		out = append(out, lic.ToDomain())
	}
	render.JSON(w, r, out)
}

// SetStatus handles PUT /api/v1/admin/licenses/{licenseID}/status. Only the
// persisted states are accepted; EXPIRED is derived and rejected at binding.
func (h *AdminHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.ActorFromContext(ctx)
	licenseID := chi.URLParam(r, "licenseID")

	var req domain.StatusChangeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.InvalidRequestWithError(err)))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.InvalidRequestWithError(err)))
		return
	}

	lic, err := h.registry.SetStatus(ctx, actor, licenseID, req.Status)
	if err != nil {
		h.renderRegistryError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license status updated via admin api",
		slog.String("license_id", licenseID),
		slog.String("status", string(req.Status)),
		slog.String("actor", actor.Subject))
	render.JSON(w, r, lic.ToDomain())
}

func (h *AdminHandler) renderRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case stderrors.Is(err, errors.ErrNotAuthorized):
		render.Render(w, r, errors.NewErrorResponse(errors.ErrForbidden))
	case stderrors.Is(err, errors.ErrLicenseNotFound):
		render.Render(w, r, errors.NewErrorResponse(errors.NotFoundError("license")))
	default:
		h.logger.ErrorContext(r.Context(), "admin operation failed",
			slog.String("error", err.Error()))
		render.Render(w, r, errors.NewErrorResponse(errors.UnavailableError(err)))
	}
}
