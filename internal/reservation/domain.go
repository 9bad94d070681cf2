// Package reservation grants and releases soft holds against available
// stock. A reservation never moves stock and never writes ledger entries.
package reservation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Status of a reservation.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusReleased Status = "RELEASED"
)

// Reservation is a soft hold on an item's available quantity, spread across
// one or more snapshot keys in FEFO order.
type Reservation struct {
	ID         uuid.UUID
	TenantID   int64
	ItemID     int64
	Qty        float64
	Status     Status
	RefModule  string
	RefID      string
	CreatedBy  int64
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// Line records how much of the hold sits on one snapshot key, so release
// can decrement exactly what reserve incremented.
type Line struct {
	ID            int64
	ReservationID uuid.UUID
	WarehouseID   int64
	BinID         int64
	ItemID        int64
	BatchNo       string
	Qty           float64
}

// Input describes a reservation request.
type Input struct {
	TenantID  int64
	ItemID    int64
	Qty       float64
	RefModule string
	RefID     string
	ActorID   int64
}

var (
	ErrInsufficientAvailable = fmt.Errorf("reservation: %w", shared.ErrInsufficientAvailable)
	ErrNotFound              = fmt.Errorf("reservation: %w", shared.ErrNotFound)
	ErrAlreadyReleased       = fmt.Errorf("reservation: already released: %w", shared.ErrInvalidTransition)
	ErrInvalidInput          = fmt.Errorf("reservation: %w", shared.ErrValidation)
)
