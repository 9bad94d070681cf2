// Package transfer is the inter-branch transfer workflow: stock leaves the
// source warehouse on ship and lands at the destination on receive, with an
// approval gate in between. In-transit loss stays visible as a ledger
// discrepancy, never silently corrected.
package transfer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Status is the IBT lifecycle.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusPicking         Status = "PICKING"
	StatusInTransit       Status = "IN_TRANSIT"
	StatusReceived        Status = "RECEIVED"
	StatusCancelled       Status = "CANCELLED"
)

// CanCancel reports whether cancellation is still side-effect free. Once the
// truck left (IN_TRANSIT) the source ledger entries exist and cancellation
// would orphan them.
func (s Status) CanCancel() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusApproved, StatusPicking:
		return true
	default:
		return false
	}
}

// CanShip reports whether ship may post. Picking is advisory, so shipping
// straight from APPROVED is legal.
func (s Status) CanShip() bool {
	return s == StatusApproved || s == StatusPicking
}

// IBT is an inter-branch transfer header.
type IBT struct {
	ID              uuid.UUID
	TenantID        int64
	Number          string
	FromWarehouseID int64
	ToWarehouseID   int64
	Status          Status
	Version         int64
	Note            string
	CreatedBy       int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Line is one item position. Requested, shipped and received quantities are
// tracked separately; shipped minus received is the in-transit discrepancy.
type Line struct {
	ID           uuid.UUID
	IBTID        uuid.UUID
	ItemID       int64
	BatchNo      string
	ExpiryDate   *time.Time
	FromBinID    int64
	ToBinID      *int64
	QtyRequested float64
	QtyShipped   float64
	QtyReceived  float64
}

// Discrepancy reports a line whose received quantity fell short of what
// shipped.
type Discrepancy struct {
	LineID      uuid.UUID
	ItemID      int64
	BatchNo     string
	QtyShipped  float64
	QtyReceived float64
	QtyLost     float64
}

var (
	ErrNotFound               = fmt.Errorf("transfer: %w", shared.ErrNotFound)
	ErrInvalidTransition      = fmt.Errorf("transfer: %w", shared.ErrInvalidTransition)
	ErrConcurrentModification = fmt.Errorf("transfer: %w", shared.ErrConcurrentModification)
	ErrValidation             = fmt.Errorf("transfer: %w", shared.ErrValidation)
)
