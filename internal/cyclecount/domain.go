// Package cyclecount verifies recorded stock against a physical count. A
// count freezes its baseline when opened, collects counted quantities, and
// settles nonzero variances as adjusting ledger entries on closure.
package cyclecount

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Status is the cycle-count lifecycle.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusClosed          Status = "CLOSED"
	StatusCancelled       Status = "CANCELLED"
)

// CanRecord reports whether counted quantities may still be captured.
func (s Status) CanRecord() bool {
	return s == StatusOpen || s == StatusInProgress
}

// CanCancel reports whether the count may be abandoned. Once submitted the
// only ways out are approval or a fresh count.
func (s Status) CanCancel() bool {
	return s == StatusOpen || s == StatusInProgress
}

// CycleCount is a count header. Scope is a warehouse, optionally narrowed to
// one bin or one item; the baseline is frozen at open time so counting
// against a moving target is impossible.
type CycleCount struct {
	ID          uuid.UUID
	TenantID    int64
	Number      string
	WarehouseID int64
	BinID       int64
	ItemID      int64
	Status      Status
	Version     int64
	Note        string
	CreatedBy   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Line is one snapshot key in scope. QtySnapshot is the frozen baseline;
// QtyCounted is nil until someone counts the bin.
type Line struct {
	ID          uuid.UUID
	CountID     uuid.UUID
	BinID       int64
	ItemID      int64
	BatchNo     string
	ExpiryDate  *time.Time
	QtySnapshot float64
	QtyCounted  *float64
	CountedBy   int64
	CountedAt   *time.Time
}

// Variance is the delta a closed count will post for one line.
type Variance struct {
	LineID      uuid.UUID
	BinID       int64
	ItemID      int64
	BatchNo     string
	QtySnapshot float64
	QtyCounted  float64
	Delta       float64
}

var (
	ErrNotFound               = fmt.Errorf("cyclecount: %w", shared.ErrNotFound)
	ErrInvalidTransition      = fmt.Errorf("cyclecount: %w", shared.ErrInvalidTransition)
	ErrConcurrentModification = fmt.Errorf("cyclecount: %w", shared.ErrConcurrentModification)
	ErrValidation             = fmt.Errorf("cyclecount: %w", shared.ErrValidation)
	// ErrUncountedLines rejects submitting a count while lines remain blank.
	ErrUncountedLines = fmt.Errorf("cyclecount: uncounted lines remain: %w", shared.ErrValidation)
	// ErrEmptyScope rejects opening a count whose scope holds no stock.
	ErrEmptyScope = fmt.Errorf("cyclecount: no stocked snapshots in scope: %w", shared.ErrValidation)
)
