package adjustment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
)

// Repository persists adjustments and lines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertAdjustment(ctx context.Context, adj Adjustment) error
	InsertLine(ctx context.Context, line Line) error
	UpdateStatus(ctx context.Context, id uuid.UUID, fromVersion int64, status Status) error
	// Ledger exposes the stock write path on the same transaction, so posting
	// commits the POSTED transition and the entries together.
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
		return errors.New("adjustment repository not initialised")
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
func (r *Repository) Get(ctx context.Context, tenantID int64, id uuid.UUID) (Adjustment, []Line, error) {
	var adj Adjustment
	var status string
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, number, warehouse_id, status, version, note, created_by, created_at, updated_at
FROM adjustments WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&adj.ID, &adj.TenantID, &adj.Number, &adj.WarehouseID, &status, &adj.Version, &adj.Note, &adj.CreatedBy, &adj.CreatedAt, &adj.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Adjustment{}, nil, ErrNotFound
		}
		return Adjustment{}, nil, err
	}
	adj.Status = Status(status)

	rows, err := r.pool.Query(ctx, `SELECT id, adj_id, bin_id, item_id, batch_no, expiry_date, qty_delta, reason
FROM adjustment_lines WHERE adj_id=$1 ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return Adjustment{}, nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.AdjID, &l.BinID, &l.ItemID, &l.BatchNo, &l.ExpiryDate, &l.QtyDelta, &l.Reason); err != nil {
			return Adjustment{}, nil, err
		}
		lines = append(lines, l)
	}
	return adj, lines, rows.Err()
}

func (r *txRepository) InsertAdjustment(ctx context.Context, adj Adjustment) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO adjustments (id, tenant_id, number, warehouse_id, status, version, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())`,
		adj.ID, adj.TenantID, adj.Number, adj.WarehouseID, string(adj.Status), adj.Version, adj.Note, adj.CreatedBy)
	return err
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO adjustment_lines (id, adj_id, bin_id, item_id, batch_no, expiry_date, qty_delta, reason, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())`,
		line.ID, line.AdjID, line.BinID, line.ItemID, line.BatchNo, line.ExpiryDate, line.QtyDelta, line.Reason)
	return err
}

func (r *txRepository) UpdateStatus(ctx context.Context, id uuid.UUID, fromVersion int64, status Status) error {
	tag, err := r.tx.Exec(ctx, `UPDATE adjustments SET status=$3, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$2`, id, fromVersion, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}
