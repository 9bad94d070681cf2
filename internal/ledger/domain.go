// Package ledger is the stock ledger: the append-only record of every
// quantity-changing event and the snapshot cache derived from it. All other
// modules change stock exclusively through this package.
package ledger

import (
	"fmt"
	"time"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Reason enumerates why a ledger entry exists.
type Reason string

const (
	ReasonReceive  Reason = "RECEIVE"
	ReasonPick     Reason = "PICK"
	ReasonShip     Reason = "SHIP"
	ReasonIBTIn    Reason = "IBT_IN"
	ReasonIBTOut   Reason = "IBT_OUT"
	ReasonAdjust   Reason = "ADJUST"
	ReasonScrap    Reason = "SCRAP"
	ReasonTransfer Reason = "TRANSFER"
	ReasonReturn   Reason = "RETURN"
)

// IsValid reports whether the reason is one of the known codes.
func (r Reason) IsValid() bool {
	switch r {
	case ReasonReceive, ReasonPick, ReasonShip, ReasonIBTIn, ReasonIBTOut,
		ReasonAdjust, ReasonScrap, ReasonTransfer, ReasonReturn:
		return true
	default:
		return false
	}
}

// checksAvailable reports whether negative movements with this reason are
// guarded against available quantity (on-hand minus reserved). ADJUST and
// SCRAP are guarded against on-hand instead, bounded by the reserved floor.
func (r Reason) checksAvailable() bool {
	switch r {
	case ReasonPick, ReasonShip, ReasonIBTOut, ReasonTransfer:
		return true
	default:
		return false
	}
}

// Key identifies one snapshot row. Movements on the same key serialize;
// movements on different keys proceed independently.
type Key struct {
	TenantID int64
	BinID    int64
	ItemID   int64
	BatchNo  string
}

// String renders the key for sorting and idempotency handles.
func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%d:%s", k.TenantID, k.BinID, k.ItemID, k.BatchNo)
}

// Snapshot is the materialized per-key balance. It is mutated only in the
// same transaction as a ledger append and always equals the sum of all
// entry deltas for its key.
type Snapshot struct {
	TenantID    int64
	WarehouseID int64
	BinID       int64
	ItemID      int64
	BatchNo     string
	BatchID     int64
	ExpiryDate  *time.Time
	QtyOnHand   float64
	QtyReserved float64
	UpdatedAt   time.Time
}

// Key returns the snapshot's identity.
func (s Snapshot) Key() Key {
	return Key{TenantID: s.TenantID, BinID: s.BinID, ItemID: s.ItemID, BatchNo: s.BatchNo}
}

// QtyAvailable is on-hand minus reserved. Never stored; always derived.
func (s Snapshot) QtyAvailable() float64 {
	return s.QtyOnHand - s.QtyReserved
}

// Entry is one immutable ledger row. QtyAfter records the post-write balance
// for audit reconciliation.
type Entry struct {
	ID          int64
	TenantID    int64
	WarehouseID int64
	BinID       int64
	ItemID      int64
	BatchNo     string
	Reason      Reason
	QtyChange   float64
	QtyAfter    float64
	RefModule   string
	RefID       string
	Note        string
	CreatedAt   time.Time
}

// Movement describes one requested stock change on a single key.
type Movement struct {
	TenantID    int64
	WarehouseID int64
	BinID       int64
	ItemID      int64
	BatchNo     string
	ExpiryDate  *time.Time
	Reason      Reason
	QtyChange   float64
	RefModule   string
	RefID       string
	Note        string
	ActorID     int64
	// OperationKey is the caller-supplied idempotency handle. When set, a
	// replay with the same handle is rejected instead of double-applied.
	OperationKey string
}

// EntryFilter narrows ledger listings.
type EntryFilter struct {
	TenantID int64
	BinID    int64
	ItemID   int64
	BatchNo  string
	From     time.Time
	To       time.Time
	Limit    int
}

// TierCount is one row of an expiry alert summary.
type TierCount struct {
	Tier  string
	Count int
}

// Scope identifies one tenant and warehouse pair holding stock. Scheduled
// scans iterate scopes instead of guessing tenant ids.
type Scope struct {
	TenantID    int64
	WarehouseID int64
}

// IntegrityDrift reports a key whose snapshot disagrees with the summed
// ledger deltas.
type IntegrityDrift struct {
	Key         Key
	SnapshotQty float64
	LedgerQty   float64
}

// Domain errors wrap the shared taxonomy so errors.Is works across modules.
var (
	ErrInsufficientStock      = fmt.Errorf("ledger: %w", shared.ErrInsufficientStock)
	ErrConcurrentModification = fmt.Errorf("ledger: %w", shared.ErrConcurrentModification)
	ErrDuplicateOperation     = fmt.Errorf("ledger: %w", shared.ErrDuplicateOperation)
	ErrSnapshotNotFound       = fmt.Errorf("ledger: snapshot %w", shared.ErrNotFound)
	ErrInvalidMovement        = fmt.Errorf("ledger: movement %w", shared.ErrValidation)
)
