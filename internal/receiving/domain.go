// Package receiving turns expected receipts into on-hand stock: goods
// receipt notes land quantities in a receiving bin, putaway tasks move them
// to their final storage bins.
package receiving

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// GRNStatus is the goods-receipt lifecycle.
type GRNStatus string

const (
	GRNStatusDraft     GRNStatus = "DRAFT"
	GRNStatusOpen      GRNStatus = "OPEN"
	GRNStatusPartial   GRNStatus = "PARTIAL"
	GRNStatusReceived  GRNStatus = "RECEIVED"
	GRNStatusComplete  GRNStatus = "COMPLETE"
	GRNStatusCancelled GRNStatus = "CANCELLED"
)

// CanReceive reports whether lines may still post receipts. Over-receipt
// after every expected line arrived is allowed: trucks bring surprises.
func (s GRNStatus) CanReceive() bool {
	return s == GRNStatusOpen || s == GRNStatusPartial || s == GRNStatusReceived
}

// CanComplete reports whether the header may be explicitly completed.
// Completion is never automatic, partial completion is legal.
func (s GRNStatus) CanComplete() bool {
	return s == GRNStatusOpen || s == GRNStatusPartial || s == GRNStatusReceived
}

// PutawayStatus is the putaway-task lifecycle.
type PutawayStatus string

const (
	PutawayPending   PutawayStatus = "PENDING"
	PutawayAssigned  PutawayStatus = "ASSIGNED"
	PutawayComplete  PutawayStatus = "COMPLETE"
	PutawayCancelled PutawayStatus = "CANCELLED"
)

// GRN is a goods receipt note header. It owns its lines until ledger
// entries post; after that the entries outlive any cancellation attempt.
type GRN struct {
	ID             uuid.UUID
	TenantID       int64
	Number         string
	WarehouseID    int64
	ReceivingBinID int64
	SupplierRef    string
	Status         GRNStatus
	Version        int64
	Note           string
	CreatedBy      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GRNLine tracks expected versus received quantity for one item.
type GRNLine struct {
	ID          uuid.UUID
	GRNID       uuid.UUID
	ItemID      int64
	BatchNo     string
	ExpiryDate  *time.Time
	QtyExpected float64
	QtyReceived float64
}

// PutawayTask moves one receipt from the receiving bin to a storage bin.
// It is owned by its GRN until completed, then stands as history.
type PutawayTask struct {
	ID          uuid.UUID
	TenantID    int64
	GRNID       uuid.UUID
	GRNLineID   uuid.UUID
	WarehouseID int64
	FromBinID   int64
	ToBinID     *int64
	ItemID      int64
	BatchNo     string
	ExpiryDate  *time.Time
	Qty         float64
	Status      PutawayStatus
	AssignedTo  int64
	CreatedAt   time.Time
	CompletedAt *time.Time
}

var (
	ErrNotFound               = fmt.Errorf("receiving: %w", shared.ErrNotFound)
	ErrInvalidTransition      = fmt.Errorf("receiving: %w", shared.ErrInvalidTransition)
	ErrConcurrentModification = fmt.Errorf("receiving: %w", shared.ErrConcurrentModification)
	ErrValidation             = fmt.Errorf("receiving: %w", shared.ErrValidation)
	// ErrHasReceipts rejects cancelling a GRN whose lines already posted
	// ledger entries that cancellation would orphan.
	ErrHasReceipts = fmt.Errorf("receiving: lines already received: %w", shared.ErrInvalidTransition)
)
