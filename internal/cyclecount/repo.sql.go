package cyclecount

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
)

// Repository persists cycle counts and lines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertCount(ctx context.Context, count CycleCount) error
	InsertLine(ctx context.Context, line Line) error
	RecordCount(ctx context.Context, lineID uuid.UUID, qty float64, actorID int64) error
	UpdateStatus(ctx context.Context, id uuid.UUID, fromVersion int64, status Status) error
	// Ledger exposes the stock write path on the same transaction, so closing
	// commits the CLOSED transition and the variance entries together.
	Ledger() ledger.TxRepository
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) Ledger() ledger.TxRepository {
	return ledger.NewTxRepository(r.tx)
}

// WithTx runs fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("cyclecount repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && db.IsSerializationFailure(err) {
		return ErrConcurrentModification
	}
	return err
}

// Get loads a header with its lines.
func (r *Repository) Get(ctx context.Context, tenantID int64, id uuid.UUID) (CycleCount, []Line, error) {
	var count CycleCount
	var status string
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, number, warehouse_id, COALESCE(bin_id, 0), COALESCE(item_id, 0), status, version, note, created_by, created_at, updated_at
FROM cycle_counts WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&count.ID, &count.TenantID, &count.Number, &count.WarehouseID, &count.BinID, &count.ItemID, &status, &count.Version, &count.Note, &count.CreatedBy, &count.CreatedAt, &count.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CycleCount{}, nil, ErrNotFound
		}
		return CycleCount{}, nil, err
	}
	count.Status = Status(status)

	rows, err := r.pool.Query(ctx, `SELECT id, count_id, bin_id, item_id, batch_no, expiry_date, qty_snapshot, qty_counted, COALESCE(counted_by, 0), counted_at
FROM cycle_count_lines WHERE count_id=$1 ORDER BY bin_id ASC, item_id ASC, batch_no ASC`, id)
	if err != nil {
		return CycleCount{}, nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.CountID, &l.BinID, &l.ItemID, &l.BatchNo, &l.ExpiryDate, &l.QtySnapshot, &l.QtyCounted, &l.CountedBy, &l.CountedAt); err != nil {
			return CycleCount{}, nil, err
		}
		lines = append(lines, l)
	}
	return count, lines, rows.Err()
}

func (r *txRepository) InsertCount(ctx context.Context, count CycleCount) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO cycle_counts (id, tenant_id, number, warehouse_id, bin_id, item_id, status, version, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,NULLIF($5,0),NULLIF($6,0),$7,$8,$9,$10,NOW(),NOW())`,
		count.ID, count.TenantID, count.Number, count.WarehouseID, count.BinID, count.ItemID, string(count.Status), count.Version, count.Note, count.CreatedBy)
	return err
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO cycle_count_lines (id, count_id, bin_id, item_id, batch_no, expiry_date, qty_snapshot, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())`,
		line.ID, line.CountID, line.BinID, line.ItemID, line.BatchNo, line.ExpiryDate, line.QtySnapshot)
	return err
}

func (r *txRepository) RecordCount(ctx context.Context, lineID uuid.UUID, qty float64, actorID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE cycle_count_lines SET qty_counted=$2, counted_by=$3, counted_at=NOW() WHERE id=$1`, lineID, qty, actorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) UpdateStatus(ctx context.Context, id uuid.UUID, fromVersion int64, status Status) error {
	tag, err := r.tx.Exec(ctx, `UPDATE cycle_counts SET status=$3, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$2`, id, fromVersion, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}
