package adjustment

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/platform/httpx"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Handler wires HTTP endpoints for the adjustment module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs adjustment handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers adjustment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/adjustments", h.handleCreate)
	r.Get("/adjustments/{id}", h.handleGet)
	r.Post("/adjustments/{id}/submit", h.handleSubmit)
	r.Post("/adjustments/{id}/approve", h.handleApprove)
	r.Post("/adjustments/{id}/reject", h.handleReject)
	r.Post("/adjustments/{id}/post", h.handlePost)
}

type createAdjustmentRequest struct {
	WarehouseID int64                         `json:"warehouse_id" validate:"required"`
	Note        string                        `json:"note"`
	Lines       []createAdjustmentLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type createAdjustmentLineRequest struct {
	BinID      int64   `json:"bin_id" validate:"required"`
	ItemID     int64   `json:"item_id" validate:"required"`
	BatchNo    string  `json:"batch_no"`
	ExpiryDate *string `json:"expiry_date"`
	QtyDelta   float64 `json:"qty_delta" validate:"required"`
	Reason     string  `json:"reason" validate:"required"`
}

type actionRequest struct {
	Note         string `json:"note"`
	OperationKey string `json:"operation_key"`
}

type adjustmentResponse struct {
	ID          string                   `json:"id"`
	Number      string                   `json:"number"`
	WarehouseID int64                    `json:"warehouse_id"`
	Status      string                   `json:"status"`
	Note        string                   `json:"note,omitempty"`
	Lines       []adjustmentLineResponse `json:"lines,omitempty"`
}

type adjustmentLineResponse struct {
	ID       string  `json:"id"`
	BinID    int64   `json:"bin_id"`
	ItemID   int64   `json:"item_id"`
	BatchNo  string  `json:"batch_no,omitempty"`
	QtyDelta float64 `json:"qty_delta"`
	Reason   string  `json:"reason"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req createAdjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateInput{
		TenantID:    identity.TenantID,
		WarehouseID: req.WarehouseID,
		Note:        req.Note,
		ActorID:     identity.ActorID,
	}
	for _, line := range req.Lines {
		expiry, err := parseDate(line.ExpiryDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid expiry_date, want YYYY-MM-DD")
			return
		}
		input.Lines = append(input.Lines, CreateLineInput{
			BinID:      line.BinID,
			ItemID:     line.ItemID,
			BatchNo:    line.BatchNo,
			ExpiryDate: expiry,
			QtyDelta:   line.QtyDelta,
			Reason:     line.Reason,
		})
	}

	adj, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.logger.Error("adjustment create failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAdjustmentResponse(adj, nil))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseAdjID(w, r)
	if !ok {
		return
	}
	adj, lines, err := h.service.Get(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAdjustmentResponse(adj, lines))
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, func(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, req actionRequest) error {
		return h.service.Submit(ctx, tenantID, id, actorID, req.Note)
	})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, func(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, req actionRequest) error {
		return h.service.Approve(ctx, tenantID, id, actorID, req.Note)
	})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, func(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, req actionRequest) error {
		return h.service.Reject(ctx, tenantID, id, actorID, req.Note)
	})
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, func(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, req actionRequest) error {
		return h.service.Post(ctx, tenantID, id, actorID, req.OperationKey)
	})
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, uuid.UUID, int64, actionRequest) error) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseAdjID(w, r)
	if !ok {
		return
	}
	var req actionRequest
	_ = httpx.DecodeJSON(r, &req)
	if err := fn(r.Context(), identity.TenantID, id, identity.ActorID, req); err != nil {
		h.logger.Warn("adjustment action failed", "adjustment_id", id.String(), "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseAdjID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid adjustment id")
		return uuid.Nil, false
	}
	return id, true
}

func toAdjustmentResponse(adj Adjustment, lines []Line) adjustmentResponse {
	resp := adjustmentResponse{
		ID:          adj.ID.String(),
		Number:      adj.Number,
		WarehouseID: adj.WarehouseID,
		Status:      string(adj.Status),
		Note:        adj.Note,
	}
	for _, line := range lines {
		resp.Lines = append(resp.Lines, adjustmentLineResponse{
			ID:       line.ID.String(),
			BinID:    line.BinID,
			ItemID:   line.ItemID,
			BatchNo:  line.BatchNo,
			QtyDelta: line.QtyDelta,
			Reason:   line.Reason,
		})
	}
	return resp
}

func parseDate(value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", *value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
