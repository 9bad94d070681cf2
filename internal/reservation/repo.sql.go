package reservation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Repository persists reservations and adjusts snapshot holds.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	SnapshotsForItemForUpdate(ctx context.Context, tenantID, itemID int64) ([]ledger.Snapshot, error)
	AddReserved(ctx context.Context, key ledger.Key, delta float64) error
	InsertReservation(ctx context.Context, res Reservation) error
	InsertLine(ctx context.Context, line Line) error
	GetReservationForUpdate(ctx context.Context, tenantID int64, id uuid.UUID) (Reservation, []Line, error)
	MarkReleased(ctx context.Context, id uuid.UUID) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx runs fn inside a repeatable-read transaction, mapping serialization
// losses to the shared conflict error.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("reservation repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && db.IsSerializationFailure(err) {
		return shared.ErrConcurrentModification
	}
	return err
}

// SnapshotsForItemForUpdate locks the item's snapshots in FEFO order
// (expiry then bin id), the fixed order every multi-bin hold uses so two
// concurrent reservations cannot deadlock on each other.
func (r *txRepository) SnapshotsForItemForUpdate(ctx context.Context, tenantID, itemID int64) ([]ledger.Snapshot, error) {
	rows, err := r.tx.Query(ctx, `SELECT tenant_id, warehouse_id, bin_id, item_id, batch_no, COALESCE(batch_id, 0), expiry_date, qty_on_hand, qty_reserved, updated_at
FROM stock_snapshots
WHERE tenant_id=$1 AND item_id=$2
ORDER BY expiry_date ASC NULLS LAST, bin_id ASC
FOR UPDATE`, tenantID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var snaps []ledger.Snapshot
	for rows.Next() {
		var s ledger.Snapshot
		if err := rows.Scan(&s.TenantID, &s.WarehouseID, &s.BinID, &s.ItemID, &s.BatchNo, &s.BatchID, &s.ExpiryDate, &s.QtyOnHand, &s.QtyReserved, &s.UpdatedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// AddReserved moves qty_reserved by delta, refusing to leave the
// 0 <= reserved <= on-hand corridor.
func (r *txRepository) AddReserved(ctx context.Context, key ledger.Key, delta float64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_snapshots
SET qty_reserved = qty_reserved + $5, updated_at = NOW()
WHERE tenant_id=$1 AND bin_id=$2 AND item_id=$3 AND batch_no=$4
  AND qty_reserved + $5 >= -0.000001
  AND qty_reserved + $5 <= qty_on_hand + 0.000001`,
		key.TenantID, key.BinID, key.ItemID, key.BatchNo, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientAvailable
	}
	return nil
}

func (r *txRepository) InsertReservation(ctx context.Context, res Reservation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO reservations (id, tenant_id, item_id, qty, status, ref_module, ref_id, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())`,
		res.ID, res.TenantID, res.ItemID, res.Qty, string(res.Status), res.RefModule, nullString(res.RefID), res.CreatedBy)
	return err
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO reservation_lines (reservation_id, warehouse_id, bin_id, item_id, batch_no, qty)
VALUES ($1,$2,$3,$4,$5,$6)`,
		line.ReservationID, line.WarehouseID, line.BinID, line.ItemID, line.BatchNo, line.Qty)
	return err
}

func (r *txRepository) GetReservationForUpdate(ctx context.Context, tenantID int64, id uuid.UUID) (Reservation, []Line, error) {
	var res Reservation
	var status string
	err := r.tx.QueryRow(ctx, `SELECT id, tenant_id, item_id, qty, status, ref_module, COALESCE(ref_id, ''), created_by, created_at, released_at
FROM reservations WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id).
		Scan(&res.ID, &res.TenantID, &res.ItemID, &res.Qty, &status, &res.RefModule, &res.RefID, &res.CreatedBy, &res.CreatedAt, &res.ReleasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, nil, ErrNotFound
		}
		return Reservation{}, nil, err
	}
	res.Status = Status(status)

	rows, err := r.tx.Query(ctx, `SELECT id, reservation_id, warehouse_id, bin_id, item_id, batch_no, qty
FROM reservation_lines WHERE reservation_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return Reservation{}, nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.ReservationID, &l.WarehouseID, &l.BinID, &l.ItemID, &l.BatchNo, &l.Qty); err != nil {
			return Reservation{}, nil, err
		}
		lines = append(lines, l)
	}
	return res, lines, rows.Err()
}

func (r *txRepository) MarkReleased(ctx context.Context, id uuid.UUID) error {
	_, err := r.tx.Exec(ctx, `UPDATE reservations SET status='RELEASED', released_at=NOW() WHERE id=$1`, id)
	return err
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
