package reservation

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/platform/httpx"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Handler wires HTTP endpoints for the reservation module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs reservation handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers reservation routes. Release is exposed both as a
// DELETE and as an explicit action so pick clients without DELETE support can
// still release.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/reservations", h.handleReserve)
	r.Delete("/reservations/{id}", h.handleRelease)
	r.Post("/reservations/{id}/release", h.handleRelease)
}

type reserveRequest struct {
	ItemID    int64   `json:"item_id" validate:"required"`
	Qty       float64 `json:"qty" validate:"required,gt=0"`
	RefModule string  `json:"ref_module"`
	RefID     string  `json:"ref_id"`
}

type reserveResponse struct {
	ID     string  `json:"id"`
	ItemID int64   `json:"item_id"`
	Qty    float64 `json:"qty"`
	Status string  `json:"status"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req reserveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	res, err := h.service.Reserve(r.Context(), Input{
		TenantID:  identity.TenantID,
		ItemID:    req.ItemID,
		Qty:       req.Qty,
		RefModule: req.RefModule,
		RefID:     req.RefID,
		ActorID:   identity.ActorID,
	})
	if err != nil {
		h.logger.Warn("reserve failed", "item_id", req.ItemID, "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, reserveResponse{
		ID:     res.ID.String(),
		ItemID: res.ItemID,
		Qty:    res.Qty,
		Status: string(res.Status),
	})
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid reservation id")
		return
	}
	if err := h.service.Release(r.Context(), identity.TenantID, id, identity.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
