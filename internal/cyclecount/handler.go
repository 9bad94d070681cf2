package cyclecount

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/platform/httpx"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Handler wires HTTP endpoints for the cyclecount module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs cyclecount handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers cyclecount routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/cycle-counts", h.handleOpen)
	r.Get("/cycle-counts/{id}", h.handleGet)
	r.Post("/cycle-counts/{id}/lines/{lineID}/count", h.handleRecord)
	r.Post("/cycle-counts/{id}/submit", h.handleSubmit)
	r.Post("/cycle-counts/{id}/close", h.handleClose)
	r.Post("/cycle-counts/{id}/cancel", h.handleCancel)
	r.Get("/cycle-counts/{id}/variances", h.handleVariances)
}

type openCountRequest struct {
	WarehouseID int64  `json:"warehouse_id" validate:"required"`
	BinID       int64  `json:"bin_id"`
	ItemID      int64  `json:"item_id"`
	Note        string `json:"note"`
}

type recordCountRequest struct {
	Qty float64 `json:"qty" validate:"gte=0"`
}

type closeCountRequest struct {
	Note         string `json:"note"`
	OperationKey string `json:"operation_key"`
}

type countResponse struct {
	ID          string              `json:"id"`
	Number      string              `json:"number"`
	WarehouseID int64               `json:"warehouse_id"`
	BinID       int64               `json:"bin_id,omitempty"`
	ItemID      int64               `json:"item_id,omitempty"`
	Status      string              `json:"status"`
	Note        string              `json:"note,omitempty"`
	Lines       []countLineResponse `json:"lines,omitempty"`
}

type countLineResponse struct {
	ID          string   `json:"id"`
	BinID       int64    `json:"bin_id"`
	ItemID      int64    `json:"item_id"`
	BatchNo     string   `json:"batch_no,omitempty"`
	QtySnapshot float64  `json:"qty_snapshot"`
	QtyCounted  *float64 `json:"qty_counted,omitempty"`
}

type varianceResponse struct {
	LineID      string  `json:"line_id"`
	BinID       int64   `json:"bin_id"`
	ItemID      int64   `json:"item_id"`
	BatchNo     string  `json:"batch_no,omitempty"`
	QtySnapshot float64 `json:"qty_snapshot"`
	QtyCounted  float64 `json:"qty_counted"`
	Delta       float64 `json:"delta"`
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req openCountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	count, err := h.service.Open(r.Context(), OpenInput{
		TenantID:    identity.TenantID,
		WarehouseID: req.WarehouseID,
		BinID:       req.BinID,
		ItemID:      req.ItemID,
		Note:        req.Note,
		ActorID:     identity.ActorID,
	})
	if err != nil {
		h.logger.Error("cycle count open failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toCountResponse(count, nil))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseCountID(w, r)
	if !ok {
		return
	}
	count, lines, err := h.service.Get(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCountResponse(count, lines))
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseCountID(w, r)
	if !ok {
		return
	}
	lineID, err := uuid.Parse(chi.URLParam(r, "lineID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line id")
		return
	}
	var req recordCountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.RecordCount(r.Context(), identity.TenantID, id, lineID, req.Qty, identity.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseCountID(w, r)
	if !ok {
		return
	}
	var req closeCountRequest
	_ = httpx.DecodeJSON(r, &req)
	if err := h.service.Submit(r.Context(), identity.TenantID, id, identity.ActorID, req.Note); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseCountID(w, r)
	if !ok {
		return
	}
	var req closeCountRequest
	_ = httpx.DecodeJSON(r, &req)
	if err := h.service.Close(r.Context(), identity.TenantID, id, identity.ActorID, req.Note, req.OperationKey); err != nil {
		h.logger.Warn("cycle count close failed", "count_id", id.String(), "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseCountID(w, r)
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), identity.TenantID, id, identity.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleVariances(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseCountID(w, r)
	if !ok {
		return
	}
	items, err := h.service.Variances(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]varianceResponse, 0, len(items))
	for _, v := range items {
		out = append(out, varianceResponse{
			LineID:      v.LineID.String(),
			BinID:       v.BinID,
			ItemID:      v.ItemID,
			BatchNo:     v.BatchNo,
			QtySnapshot: v.QtySnapshot,
			QtyCounted:  v.QtyCounted,
			Delta:       v.Delta,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"variances": out})
}

func parseCountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid count id")
		return uuid.Nil, false
	}
	return id, true
}

func toCountResponse(count CycleCount, lines []Line) countResponse {
	resp := countResponse{
		ID:          count.ID.String(),
		Number:      count.Number,
		WarehouseID: count.WarehouseID,
		BinID:       count.BinID,
		ItemID:      count.ItemID,
		Status:      string(count.Status),
		Note:        count.Note,
	}
	for _, line := range lines {
		resp.Lines = append(resp.Lines, countLineResponse{
			ID:          line.ID.String(),
			BinID:       line.BinID,
			ItemID:      line.ItemID,
			BatchNo:     line.BatchNo,
			QtySnapshot: line.QtySnapshot,
			QtyCounted:  line.QtyCounted,
		})
	}
	return resp
}
