package transfer

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/platform/httpx"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Handler wires HTTP endpoints for the transfer module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs transfer handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/ibts", h.handleCreate)
	r.Get("/ibts/{id}", h.handleGet)
	r.Post("/ibts/{id}/submit", h.handleSubmit)
	r.Post("/ibts/{id}/approve", h.handleApprove)
	r.Post("/ibts/{id}/start-picking", h.handleStartPicking)
	r.Post("/ibts/{id}/ship", h.handleShip)
	r.Post("/ibts/{id}/receive", h.handleReceive)
	r.Post("/ibts/{id}/cancel", h.handleCancel)
	r.Get("/ibts/{id}/discrepancies", h.handleDiscrepancies)
}

type createIBTRequest struct {
	FromWarehouseID int64                  `json:"from_warehouse_id" validate:"required"`
	ToWarehouseID   int64                  `json:"to_warehouse_id" validate:"required"`
	Note            string                 `json:"note"`
	Lines           []createIBTLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type createIBTLineRequest struct {
	ItemID       int64   `json:"item_id" validate:"required"`
	BatchNo      string  `json:"batch_no"`
	ExpiryDate   *string `json:"expiry_date"`
	FromBinID    int64   `json:"from_bin_id" validate:"required"`
	QtyRequested float64 `json:"qty_requested" validate:"required,gt=0"`
}

type noteRequest struct {
	Note string `json:"note"`
}

type shipRequest struct {
	Lines        []shipLineRequest `json:"lines" validate:"required,min=1,dive"`
	OperationKey string            `json:"operation_key"`
}

type shipLineRequest struct {
	LineID string  `json:"line_id" validate:"required,uuid"`
	Qty    float64 `json:"qty" validate:"required,gt=0"`
}

type receiveRequest struct {
	Lines        []receiveLineRequest `json:"lines" validate:"required,min=1,dive"`
	OperationKey string               `json:"operation_key"`
}

type receiveLineRequest struct {
	LineID  string  `json:"line_id" validate:"required,uuid"`
	Qty     float64 `json:"qty" validate:"required,gt=0"`
	ToBinID int64   `json:"to_bin_id" validate:"required"`
}

type ibtResponse struct {
	ID              string            `json:"id"`
	Number          string            `json:"number"`
	FromWarehouseID int64             `json:"from_warehouse_id"`
	ToWarehouseID   int64             `json:"to_warehouse_id"`
	Status          string            `json:"status"`
	Note            string            `json:"note,omitempty"`
	Lines           []ibtLineResponse `json:"lines,omitempty"`
}

type ibtLineResponse struct {
	ID           string  `json:"id"`
	ItemID       int64   `json:"item_id"`
	BatchNo      string  `json:"batch_no,omitempty"`
	FromBinID    int64   `json:"from_bin_id"`
	ToBinID      *int64  `json:"to_bin_id,omitempty"`
	QtyRequested float64 `json:"qty_requested"`
	QtyShipped   float64 `json:"qty_shipped"`
	QtyReceived  float64 `json:"qty_received"`
}

type discrepancyResponse struct {
	LineID      string  `json:"line_id"`
	ItemID      int64   `json:"item_id"`
	BatchNo     string  `json:"batch_no,omitempty"`
	QtyShipped  float64 `json:"qty_shipped"`
	QtyReceived float64 `json:"qty_received"`
	QtyLost     float64 `json:"qty_lost"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req createIBTRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateInput{
		TenantID:        identity.TenantID,
		FromWarehouseID: req.FromWarehouseID,
		ToWarehouseID:   req.ToWarehouseID,
		Note:            req.Note,
		ActorID:         identity.ActorID,
	}
	for _, line := range req.Lines {
		expiry, err := parseDate(line.ExpiryDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid expiry_date, want YYYY-MM-DD")
			return
		}
		input.Lines = append(input.Lines, CreateLineInput{
			ItemID:       line.ItemID,
			BatchNo:      line.BatchNo,
			ExpiryDate:   expiry,
			FromBinID:    line.FromBinID,
			QtyRequested: line.QtyRequested,
		})
	}

	ibt, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.logger.Error("ibt create failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toIBTResponse(ibt, nil))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	ibt, lines, err := h.service.Get(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toIBTResponse(ibt, lines))
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req noteRequest
	_ = httpx.DecodeJSON(r, &req)
	if err := h.service.Submit(r.Context(), identity.TenantID, id, identity.ActorID, req.Note); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req noteRequest
	_ = httpx.DecodeJSON(r, &req)
	if err := h.service.Approve(r.Context(), identity.TenantID, id, identity.ActorID, req.Note); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStartPicking(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.service.StartPicking(r.Context(), identity.TenantID, id, identity.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleShip(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req shipRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	shipments := make([]ShipLineInput, 0, len(req.Lines))
	for _, line := range req.Lines {
		lineID, err := uuid.Parse(line.LineID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line id")
			return
		}
		shipments = append(shipments, ShipLineInput{LineID: lineID, Qty: line.Qty})
	}
	if err := h.service.Ship(r.Context(), identity.TenantID, id, shipments, identity.ActorID, req.OperationKey); err != nil {
		h.logger.Warn("ibt ship failed", "ibt_id", id.String(), "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	receipts := make([]ReceiveLineInput, 0, len(req.Lines))
	for _, line := range req.Lines {
		lineID, err := uuid.Parse(line.LineID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line id")
			return
		}
		receipts = append(receipts, ReceiveLineInput{LineID: lineID, Qty: line.Qty, ToBinID: line.ToBinID})
	}
	if err := h.service.Receive(r.Context(), identity.TenantID, id, receipts, identity.ActorID, req.OperationKey); err != nil {
		h.logger.Warn("ibt receive failed", "ibt_id", id.String(), "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), identity.TenantID, id, identity.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleDiscrepancies(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	items, err := h.service.Discrepancies(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]discrepancyResponse, 0, len(items))
	for _, d := range items {
		out = append(out, discrepancyResponse{
			LineID:      d.LineID.String(),
			ItemID:      d.ItemID,
			BatchNo:     d.BatchNo,
			QtyShipped:  d.QtyShipped,
			QtyReceived: d.QtyReceived,
			QtyLost:     d.QtyLost,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"discrepancies": out})
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid ibt id")
		return uuid.Nil, false
	}
	return id, true
}

func toIBTResponse(ibt IBT, lines []Line) ibtResponse {
	resp := ibtResponse{
		ID:              ibt.ID.String(),
		Number:          ibt.Number,
		FromWarehouseID: ibt.FromWarehouseID,
		ToWarehouseID:   ibt.ToWarehouseID,
		Status:          string(ibt.Status),
		Note:            ibt.Note,
	}
	for _, line := range lines {
		resp.Lines = append(resp.Lines, ibtLineResponse{
			ID:           line.ID.String(),
			ItemID:       line.ItemID,
			BatchNo:      line.BatchNo,
			FromBinID:    line.FromBinID,
			ToBinID:      line.ToBinID,
			QtyRequested: line.QtyRequested,
			QtyShipped:   line.QtyShipped,
			QtyReceived:  line.QtyReceived,
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
