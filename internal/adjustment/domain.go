// Package adjustment is the approval-gated manual correction path: shrinkage,
// damage, found stock. Approval authorizes; only posting moves quantities.
package adjustment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Status is the adjustment lifecycle.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSubmitted Status = "SUBMITTED"
	StatusApproved  Status = "APPROVED"
	StatusPosted    Status = "POSTED"
	StatusRejected  Status = "REJECTED"
)

// Adjustment is a correction header.
type Adjustment struct {
	ID          uuid.UUID
	TenantID    int64
	Number      string
	WarehouseID int64
	Status      Status
	Version     int64
	Note        string
	CreatedBy   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Line targets one snapshot key with a signed delta. Reason is mandatory:
// an unexplained correction is indistinguishable from fraud.
type Line struct {
	ID         uuid.UUID
	AdjID      uuid.UUID
	BinID      int64
	ItemID     int64
	BatchNo    string
	ExpiryDate *time.Time
	QtyDelta   float64
	Reason     string
}

var (
	ErrNotFound               = fmt.Errorf("adjustment: %w", shared.ErrNotFound)
	ErrInvalidTransition      = fmt.Errorf("adjustment: %w", shared.ErrInvalidTransition)
	ErrConcurrentModification = fmt.Errorf("adjustment: %w", shared.ErrConcurrentModification)
	ErrValidation             = fmt.Errorf("adjustment: %w", shared.ErrValidation)
)
