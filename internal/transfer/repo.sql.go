package transfer

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
)

// Repository persists IBT headers and lines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertIBT(ctx context.Context, ibt IBT) error
	InsertLine(ctx context.Context, line Line) error
	UpdateStatus(ctx context.Context, id uuid.UUID, fromVersion int64, status Status) error
	AddShipped(ctx context.Context, lineID uuid.UUID, qty float64) error
	AddReceived(ctx context.Context, lineID uuid.UUID, qty float64, toBinID int64) error
	// Ledger exposes the stock write path on the same transaction, so ship
	// and receive commit the header transition and the entries together.
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
		return errors.New("transfer repository not initialised")
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
func (r *Repository) Get(ctx context.Context, tenantID int64, id uuid.UUID) (IBT, []Line, error) {
	var ibt IBT
	var status string
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, number, from_warehouse_id, to_warehouse_id, status, version, note, created_by, created_at, updated_at
FROM ibts WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&ibt.ID, &ibt.TenantID, &ibt.Number, &ibt.FromWarehouseID, &ibt.ToWarehouseID, &status, &ibt.Version, &ibt.Note, &ibt.CreatedBy, &ibt.CreatedAt, &ibt.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IBT{}, nil, ErrNotFound
		}
		return IBT{}, nil, err
	}
	ibt.Status = Status(status)

	rows, err := r.pool.Query(ctx, `SELECT id, ibt_id, item_id, batch_no, expiry_date, from_bin_id, to_bin_id, qty_requested, qty_shipped, qty_received
FROM ibt_lines WHERE ibt_id=$1 ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return IBT{}, nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.IBTID, &l.ItemID, &l.BatchNo, &l.ExpiryDate, &l.FromBinID, &l.ToBinID, &l.QtyRequested, &l.QtyShipped, &l.QtyReceived); err != nil {
			return IBT{}, nil, err
		}
		lines = append(lines, l)
	}
	return ibt, lines, rows.Err()
}

// Discrepancies lists received lines that lost quantity in transit.
func (r *Repository) Discrepancies(ctx context.Context, tenantID int64, id uuid.UUID) ([]Discrepancy, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.id, l.item_id, l.batch_no, l.qty_shipped, l.qty_received
FROM ibt_lines l
JOIN ibts h ON h.id = l.ibt_id
WHERE h.tenant_id=$1 AND h.id=$2 AND h.status='RECEIVED' AND l.qty_shipped <> l.qty_received
ORDER BY l.id ASC`, tenantID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Discrepancy
	for rows.Next() {
		var d Discrepancy
		if err := rows.Scan(&d.LineID, &d.ItemID, &d.BatchNo, &d.QtyShipped, &d.QtyReceived); err != nil {
			return nil, err
		}
		d.QtyLost = d.QtyShipped - d.QtyReceived
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *txRepository) InsertIBT(ctx context.Context, ibt IBT) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ibts (id, tenant_id, number, from_warehouse_id, to_warehouse_id, status, version, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())`,
		ibt.ID, ibt.TenantID, ibt.Number, ibt.FromWarehouseID, ibt.ToWarehouseID, string(ibt.Status), ibt.Version, ibt.Note, ibt.CreatedBy)
	return err
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ibt_lines (id, ibt_id, item_id, batch_no, expiry_date, from_bin_id, to_bin_id, qty_requested, qty_shipped, qty_received, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,0,NOW())`,
		line.ID, line.IBTID, line.ItemID, line.BatchNo, line.ExpiryDate, line.FromBinID, line.ToBinID, line.QtyRequested)
	return err
}

func (r *txRepository) UpdateStatus(ctx context.Context, id uuid.UUID, fromVersion int64, status Status) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ibts SET status=$3, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$2`, id, fromVersion, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (r *txRepository) AddShipped(ctx context.Context, lineID uuid.UUID, qty float64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ibt_lines SET qty_shipped = qty_shipped + $2 WHERE id=$1`, lineID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) AddReceived(ctx context.Context, lineID uuid.UUID, qty float64, toBinID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ibt_lines SET qty_received = qty_received + $2, to_bin_id = $3 WHERE id=$1`, lineID, qty, toBinID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
