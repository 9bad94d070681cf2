package receiving

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

// Handler wires HTTP endpoints for the receiving module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs receiving handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers receiving routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/grns", h.handleCreate)
	r.Get("/grns/{id}", h.handleGet)
	r.Post("/grns/{id}/open", h.handleOpen)
	r.Post("/grns/{id}/lines/{lineID}/receive", h.handleReceiveLine)
	r.Post("/grns/{id}/complete", h.handleComplete)
	r.Post("/grns/{id}/cancel", h.handleCancel)
	r.Get("/grns/{id}/putaways", h.handleListPutaways)
	r.Post("/putaways/{taskID}/assign", h.handleAssignPutaway)
	r.Post("/putaways/{taskID}/complete", h.handleCompletePutaway)
	r.Post("/putaways/{taskID}/cancel", h.handleCancelPutaway)
}

type createGRNRequest struct {
	WarehouseID    int64                  `json:"warehouse_id" validate:"required"`
	ReceivingBinID int64                  `json:"receiving_bin_id" validate:"required"`
	SupplierRef    string                 `json:"supplier_ref"`
	Note           string                 `json:"note"`
	Lines          []createGRNLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type createGRNLineRequest struct {
	ItemID      int64   `json:"item_id" validate:"required"`
	BatchNo     string  `json:"batch_no"`
	ExpiryDate  *string `json:"expiry_date"`
	QtyExpected float64 `json:"qty_expected" validate:"required,gt=0"`
}

type receiveLineRequest struct {
	Qty          float64 `json:"qty" validate:"required,gt=0"`
	BatchNo      string  `json:"batch_no"`
	ExpiryDate   *string `json:"expiry_date"`
	OperationKey string  `json:"operation_key"`
}

type assignPutawayRequest struct {
	AssigneeID int64 `json:"assignee_id"`
	ToBinID    int64 `json:"to_bin_id" validate:"required"`
}

type completePutawayRequest struct {
	OperationKey string `json:"operation_key"`
}

type grnResponse struct {
	ID             string            `json:"id"`
	Number         string            `json:"number"`
	WarehouseID    int64             `json:"warehouse_id"`
	ReceivingBinID int64             `json:"receiving_bin_id"`
	SupplierRef    string            `json:"supplier_ref,omitempty"`
	Status         string            `json:"status"`
	Note           string            `json:"note,omitempty"`
	Lines          []grnLineResponse `json:"lines,omitempty"`
}

type grnLineResponse struct {
	ID          string  `json:"id"`
	ItemID      int64   `json:"item_id"`
	BatchNo     string  `json:"batch_no,omitempty"`
	ExpiryDate  *string `json:"expiry_date,omitempty"`
	QtyExpected float64 `json:"qty_expected"`
	QtyReceived float64 `json:"qty_received"`
}

type putawayResponse struct {
	ID        string  `json:"id"`
	GRNID     string  `json:"grn_id"`
	FromBinID int64   `json:"from_bin_id"`
	ToBinID   *int64  `json:"to_bin_id,omitempty"`
	ItemID    int64   `json:"item_id"`
	BatchNo   string  `json:"batch_no,omitempty"`
	Qty       float64 `json:"qty"`
	Status    string  `json:"status"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	var req createGRNRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateInput{
		TenantID:       identity.TenantID,
		WarehouseID:    req.WarehouseID,
		ReceivingBinID: req.ReceivingBinID,
		SupplierRef:    req.SupplierRef,
		Note:           req.Note,
		ActorID:        identity.ActorID,
	}
	for _, line := range req.Lines {
		expiry, err := parseDate(line.ExpiryDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid expiry_date, want YYYY-MM-DD")
			return
		}
		input.Lines = append(input.Lines, CreateLineInput{
			ItemID:      line.ItemID,
			BatchNo:     line.BatchNo,
			ExpiryDate:  expiry,
			QtyExpected: line.QtyExpected,
		})
	}

	grn, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.logger.Error("grn create failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toGRNResponse(grn, nil))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grn id")
		return
	}
	grn, lines, err := h.service.Get(r.Context(), identity.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGRNResponse(grn, lines))
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "open", h.service.Open)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "complete", h.service.Complete)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "cancel", h.service.Cancel)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, name string, fn func(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64) error) {
	identity := shared.IdentityFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grn id")
		return
	}
	if err := fn(r.Context(), identity.TenantID, id, identity.ActorID); err != nil {
		h.logger.Warn("grn transition failed", "action", name, "grn_id", id.String(), "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReceiveLine(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	grnID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grn id")
		return
	}
	lineID, err := uuid.Parse(chi.URLParam(r, "lineID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line id")
		return
	}
	var req receiveLineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	expiry, err := parseDate(req.ExpiryDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid expiry_date, want YYYY-MM-DD")
		return
	}

	task, err := h.service.ReceiveLine(r.Context(), ReceiveInput{
		TenantID:     identity.TenantID,
		GRNID:        grnID,
		LineID:       lineID,
		Qty:          req.Qty,
		BatchNo:      req.BatchNo,
		ExpiryDate:   expiry,
		ActorID:      identity.ActorID,
		OperationKey: req.OperationKey,
	})
	if err != nil {
		h.logger.Warn("grn receive failed", "grn_id", grnID.String(), "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPutawayResponse(task))
}

func (h *Handler) handleListPutaways(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	grnID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grn id")
		return
	}
	tasks, err := h.service.Putaways(r.Context(), identity.TenantID, grnID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]putawayResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, toPutawayResponse(task))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"putaways": out})
}

func (h *Handler) handleAssignPutaway(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid task id")
		return
	}
	var req assignPutawayRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	assignee := req.AssigneeID
	if assignee == 0 {
		assignee = identity.ActorID
	}
	if err := h.service.AssignPutaway(r.Context(), identity.TenantID, taskID, assignee, req.ToBinID, identity.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCompletePutaway(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid task id")
		return
	}
	var req completePutawayRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if err := h.service.CompletePutaway(r.Context(), identity.TenantID, taskID, identity.ActorID, req.OperationKey); err != nil {
		h.logger.Warn("putaway complete failed", "task_id", taskID.String(), "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCancelPutaway(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid task id")
		return
	}
	if err := h.service.CancelPutaway(r.Context(), identity.TenantID, taskID, identity.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toGRNResponse(grn GRN, lines []GRNLine) grnResponse {
	resp := grnResponse{
		ID:             grn.ID.String(),
		Number:         grn.Number,
		WarehouseID:    grn.WarehouseID,
		ReceivingBinID: grn.ReceivingBinID,
		SupplierRef:    grn.SupplierRef,
		Status:         string(grn.Status),
		Note:           grn.Note,
	}
	for _, line := range lines {
		resp.Lines = append(resp.Lines, grnLineResponse{
			ID:          line.ID.String(),
			ItemID:      line.ItemID,
			BatchNo:     line.BatchNo,
			ExpiryDate:  formatDate(line.ExpiryDate),
			QtyExpected: line.QtyExpected,
			QtyReceived: line.QtyReceived,
		})
	}
	return resp
}

func toPutawayResponse(task PutawayTask) putawayResponse {
	return putawayResponse{
		ID:        task.ID.String(),
		GRNID:     task.GRNID.String(),
		FromBinID: task.FromBinID,
		ToBinID:   task.ToBinID,
		ItemID:    task.ItemID,
		BatchNo:   task.BatchNo,
		Qty:       task.Qty,
		Status:    string(task.Status),
	}
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

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}
