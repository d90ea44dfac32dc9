package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "keygate/internal/errors"
	"keygate/internal/updates"
	"keygate/pkg/contracts/domain"
)

// UpdateHandler serves the unsigned update-gating channel. The license key
// travels as a bearer credential in the query string; all gating decisions
// happen in the updates.Gate.
type UpdateHandler struct {
	gate   *updates.Gate
	logger *slog.Logger
}

// NewUpdateHandler creates an update handler.
func NewUpdateHandler(gate *updates.Gate, logger *slog.Logger) *UpdateHandler {
	return &UpdateHandler{
		gate:   gate,
		logger: logger.With(slog.String("handler", "update")),
	}
}

// Routes returns the chi router for per-app update endpoints, mounted under
// /api/v1/apps/{appID}.
func (h *UpdateHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/update", h.CheckUpdate)
	r.Get("/packages/{version}", h.GetPackage)
	return r
}

// CheckUpdate handles GET /api/v1/apps/{appID}/update. Denials are HTTP 200
// with allowed=false, mirroring the verification endpoint's
// verdict-not-error shape.
func (h *UpdateHandler) CheckUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID := chi.URLParam(r, "appID")
	currentVersion := r.URL.Query().Get("current_version")
	licenseKey := r.URL.Query().Get("license_key")

	if currentVersion == "" || licenseKey == "" {
		render.Render(w, r, apperrors.NewErrorResponse(
			apperrors.NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST",
				"current_version and license_key query parameters are required", nil)))
		return
	}
	// A malformed version is a client input error, not a gate failure.
	if err := updates.ValidateVersion(currentVersion); err != nil {
		render.Render(w, r, apperrors.NewErrorResponse(
			apperrors.NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST",
				"current_version is not a valid version string", err.Error())))
		return
	}

	decision, err := h.gate.CheckUpdate(ctx, appID, currentVersion, licenseKey)
	if err != nil {
		h.logger.ErrorContext(ctx, "update check aborted",
			slog.String("app_id", appID),
			slog.String("error", err.Error()))
		render.Render(w, r, apperrors.NewErrorResponse(apperrors.UnavailableError(err)))
		return
	}

	resp := &domain.UpdateCheckResponse{
		Allowed:        decision.Allowed,
		Reason:         decision.Reason,
		HasUpdate:      decision.HasUpdate,
		CurrentVersion: decision.CurrentVersion,
		ServerTime:     time.Now().Unix(),
	}
	if decision.Latest != nil {
		resp.LatestVersion = decision.Latest.Version
		resp.Checksum = decision.Latest.Checksum
		publishedAt := decision.Latest.PublishedAt
		resp.PublishedAt = &publishedAt
	}
	render.JSON(w, r, resp)
}

// GetPackage handles GET /api/v1/apps/{appID}/packages/{version}. Successful
// fetches stream the artifact bytes with the checksum in a header; denials
// are structured 403 problems carrying the registry status.
func (h *UpdateHandler) GetPackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID := chi.URLParam(r, "appID")
	version := chi.URLParam(r, "version")
	licenseKey := r.URL.Query().Get("license_key")

	if licenseKey == "" {
		render.Render(w, r, apperrors.NewErrorResponse(
			apperrors.NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST",
				"license_key query parameter is required", nil)))
		return
	}

	rel, file, err := h.gate.Package(ctx, appID, version, licenseKey)
	if err != nil {
		var denied *updates.DeniedError
		switch {
		case errors.As(err, &denied):
			render.Render(w, r, apperrors.NewErrorResponse(
				apperrors.NewWithDetails(http.StatusForbidden, "PACKAGE_DENIED",
					"License does not permit package download", string(denied.Reason))))
		case errors.Is(err, apperrors.ErrVersionNotFound):
			render.Render(w, r, apperrors.NewErrorResponse(apperrors.NotFoundError("package")))
		default:
			h.logger.ErrorContext(ctx, "package fetch aborted",
				slog.String("app_id", appID),
				slog.String("version", version),
				slog.String("error", err.Error()))
			render.Render(w, r, apperrors.NewErrorResponse(apperrors.UnavailableError(err)))
		}
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Checksum-SHA256", rel.Checksum)
	if info, err := file.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	if _, err := io.Copy(w, file); err != nil {
		h.logger.WarnContext(ctx, "artifact stream interrupted",
			slog.String("app_id", appID),
			slog.String("version", version),
			slog.String("error", err.Error()))
	}
}
