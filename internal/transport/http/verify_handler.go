package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"keygate/internal/errors"
	"keygate/internal/verify"
	"keygate/pkg/contracts/domain"
)

// VerifyHandler serves the signed verification endpoint.
type VerifyHandler struct {
	service  *verify.Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewVerifyHandler creates a verify handler.
func NewVerifyHandler(service *verify.Service, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "verify")),
	}
}

// Routes returns the chi router for verification endpoints.
func (h *VerifyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Verify)
	return r
}

// Verify handles POST /api/v1/verify. Every protocol outcome is an HTTP 200
// verdict; only structurally invalid bodies get a 400, with the
// INVALID_PAYLOAD status so clients have a single vocabulary to branch on.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "malformed verification body",
			slog.String("error", err.Error()))
		h.invalidPayload(w, r)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.logger.WarnContext(ctx, "verification body failed validation",
			slog.String("error", err.Error()))
		h.invalidPayload(w, r)
		return
	}

	resp, err := h.service.Verify(ctx, &req)
	if err != nil {
		h.logger.ErrorContext(ctx, "verification aborted",
			slog.String("error", err.Error()))
		render.Render(w, r, errors.NewErrorResponse(errors.UnavailableError(err)))
		return
	}

	render.JSON(w, r, resp)
}

// invalidPayload writes the 400 INVALID_PAYLOAD verdict. It is unsigned: a
// request that could not be parsed has no app to look a secret up for.
func (h *VerifyHandler) invalidPayload(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, &domain.VerifyResponse{
		Valid:      false,
		Status:     domain.VerdictInvalidPayload,
		ServerTime: time.Now().Unix(),
	})
}
