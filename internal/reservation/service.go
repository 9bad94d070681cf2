package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/batch"
	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

const qtyEpsilon = 1e-6

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service grants and releases soft holds. Holds expire only through an
// explicit release; timeout policy belongs to order fulfillment.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// Reserve places a hold of input.Qty on the item, spread across snapshots in
// FEFO order. Fails with ErrInsufficientAvailable when the item's total
// available quantity cannot cover the request; no partial hold is left behind.
func (s *Service) Reserve(ctx context.Context, input Input) (Reservation, error) {
	if input.TenantID == 0 || input.ItemID == 0 {
		return Reservation{}, fmt.Errorf("%w: tenant and item required", ErrInvalidInput)
	}
	if input.Qty <= qtyEpsilon {
		return Reservation{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}

	res := Reservation{
		ID:        uuid.New(),
		TenantID:  input.TenantID,
		ItemID:    input.ItemID,
		Qty:       input.Qty,
		Status:    StatusActive,
		RefModule: input.RefModule,
		RefID:     input.RefID,
		CreatedBy: input.ActorID,
		CreatedAt: time.Now().UTC(),
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		snaps, err := tx.SnapshotsForItemForUpdate(ctx, input.TenantID, input.ItemID)
		if err != nil {
			return err
		}

		lots := make([]batch.Lot, 0, len(snaps))
		byLot := make(map[string]int, len(snaps))
		for i, snap := range snaps {
			lots = append(lots, batch.Lot{
				BinID:     snap.BinID,
				BatchNo:   snap.BatchNo,
				Expiry:    snap.ExpiryDate,
				Available: snap.QtyAvailable(),
			})
			byLot[lotKey(snap.BinID, snap.BatchNo)] = i
		}
		allocs, ok := batch.Allocate(lots, input.Qty)
		if !ok {
			return fmt.Errorf("%w: item %d", ErrInsufficientAvailable, input.ItemID)
		}

		if err := tx.InsertReservation(ctx, res); err != nil {
			return err
		}
		for _, alloc := range allocs {
			snap := snaps[byLot[lotKey(alloc.BinID, alloc.BatchNo)]]
			if err := tx.AddReserved(ctx, snap.Key(), alloc.Qty); err != nil {
				return err
			}
			if err := tx.InsertLine(ctx, Line{
				ReservationID: res.ID,
				WarehouseID:   snap.WarehouseID,
				BinID:         alloc.BinID,
				ItemID:        input.ItemID,
				BatchNo:       alloc.BatchNo,
				Qty:           alloc.Qty,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}

	s.recordAudit(ctx, input.TenantID, input.ActorID, "RESERVE", res.ID, map[string]any{
		"item_id": input.ItemID,
		"qty":     input.Qty,
	})
	return res, nil
}

// Release removes the hold, decrementing exactly the per-key amounts reserve
// incremented. Releasing twice is an invalid transition, not a no-op, so
// double releases surface instead of silently freeing someone else's hold.
func (s *Service) Release(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64) error {
	if tenantID == 0 || id == uuid.Nil {
		return fmt.Errorf("%w: tenant and reservation id required", ErrInvalidInput)
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, lines, err := tx.GetReservationForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if res.Status != StatusActive {
			return ErrAlreadyReleased
		}
		for _, line := range lines {
			key := ledger.Key{TenantID: res.TenantID, BinID: line.BinID, ItemID: line.ItemID, BatchNo: line.BatchNo}
			if err := tx.AddReserved(ctx, key, -line.Qty); err != nil {
				return err
			}
		}
		return tx.MarkReleased(ctx, id)
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, tenantID, actorID, "RELEASE", id, nil)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, tenantID, actorID int64, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   fmt.Sprintf("reservation:%s", action),
		Entity:   "reservation",
		EntityID: id.String(),
		Meta:     meta,
	})
}

func lotKey(binID int64, batchNo string) string {
	return fmt.Sprintf("%d:%s", binID, batchNo)
}
