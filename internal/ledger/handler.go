package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-wms/meridian-wms/internal/platform/httpx"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Handler wires the read-side stock endpoints. There is no HTTP write path
// into the ledger: movements only post through the owning workflows.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers stock query routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stock/available", h.handleAvailable)
	r.Get("/stock/snapshots", h.handleSnapshots)
	r.Get("/stock/ledger", h.handleEntries)
	r.Get("/stock/expiry-alerts", h.handleExpiryAlerts)
}

type availableResponse struct {
	ItemID       int64   `json:"item_id"`
	WarehouseID  int64   `json:"warehouse_id,omitempty"`
	QtyAvailable float64 `json:"qty_available"`
}

type snapshotResponse struct {
	WarehouseID  int64   `json:"warehouse_id"`
	BinID        int64   `json:"bin_id"`
	ItemID       int64   `json:"item_id"`
	BatchNo      string  `json:"batch_no,omitempty"`
	ExpiryDate   *string `json:"expiry_date,omitempty"`
	QtyOnHand    float64 `json:"qty_on_hand"`
	QtyReserved  float64 `json:"qty_reserved"`
	QtyAvailable float64 `json:"qty_available"`
}

type entryResponse struct {
	ID        int64   `json:"id"`
	BinID     int64   `json:"bin_id"`
	ItemID    int64   `json:"item_id"`
	BatchNo   string  `json:"batch_no,omitempty"`
	Reason    string  `json:"reason"`
	QtyChange float64 `json:"qty_change"`
	QtyAfter  float64 `json:"qty_after"`
	RefModule string  `json:"ref_module,omitempty"`
	RefID     string  `json:"ref_id,omitempty"`
	Note      string  `json:"note,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func (h *Handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	itemID := queryInt(r, "item_id")
	warehouseID := queryInt(r, "warehouse_id")

	qty, err := h.service.Available(r.Context(), identity.TenantID, itemID, warehouseID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, availableResponse{ItemID: itemID, WarehouseID: warehouseID, QtyAvailable: qty})
}

func (h *Handler) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	itemID := queryInt(r, "item_id")
	if itemID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item_id is required")
		return
	}
	snaps, err := h.service.SnapshotsForItem(r.Context(), identity.TenantID, itemID, queryInt(r, "warehouse_id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]snapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshotResponse{
			WarehouseID:  s.WarehouseID,
			BinID:        s.BinID,
			ItemID:       s.ItemID,
			BatchNo:      s.BatchNo,
			ExpiryDate:   formatDate(s.ExpiryDate),
			QtyOnHand:    s.QtyOnHand,
			QtyReserved:  s.QtyReserved,
			QtyAvailable: s.QtyAvailable(),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"snapshots": out})
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	filter := EntryFilter{
		TenantID: identity.TenantID,
		BinID:    queryInt(r, "bin_id"),
		ItemID:   queryInt(r, "item_id"),
		BatchNo:  r.URL.Query().Get("batch_no"),
		Limit:    int(queryInt(r, "limit")),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from date, want YYYY-MM-DD")
			return
		}
		filter.From = t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to date, want YYYY-MM-DD")
			return
		}
		filter.To = t
	}

	entries, err := h.service.Entries(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:        e.ID,
			BinID:     e.BinID,
			ItemID:    e.ItemID,
			BatchNo:   e.BatchNo,
			Reason:    string(e.Reason),
			QtyChange: e.QtyChange,
			QtyAfter:  e.QtyAfter,
			RefModule: e.RefModule,
			RefID:     e.RefID,
			Note:      e.Note,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *Handler) handleExpiryAlerts(w http.ResponseWriter, r *http.Request) {
	identity := shared.IdentityFromContext(r.Context())
	daysAhead := 0
	if raw := r.URL.Query().Get("days_ahead"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid days_ahead")
			return
		}
		daysAhead = n
	}
	counts, err := h.service.ExpiryAlerts(r.Context(), identity.TenantID, queryInt(r, "warehouse_id"), daysAhead, time.Now().UTC())
	if err != nil {
		h.logger.Error("expiry alerts failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tiers": counts})
}

func queryInt(r *http.Request, name string) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}
