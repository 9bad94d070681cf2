package receiving

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
)

// Repository persists GRNs, lines and putaway tasks.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertGRN(ctx context.Context, grn GRN) error
	InsertLine(ctx context.Context, line GRNLine) error
	AddReceived(ctx context.Context, lineID uuid.UUID, qty float64, batchNo string) error
	UpdateGRNStatus(ctx context.Context, id uuid.UUID, fromVersion int64, status GRNStatus) error
	InsertPutaway(ctx context.Context, task PutawayTask) error
	UpdatePutawayStatus(ctx context.Context, id uuid.UUID, from []PutawayStatus, to PutawayStatus, assignee int64, toBinID *int64) error
	// Ledger exposes the stock write path on the same transaction, so a
	// receipt or putaway commits its workflow rows and entries together.
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
		return errors.New("receiving repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && db.IsSerializationFailure(err) {
		return ErrConcurrentModification
	}
	return err
}

// GetGRN loads a header with its lines.
func (r *Repository) GetGRN(ctx context.Context, tenantID int64, id uuid.UUID) (GRN, []GRNLine, error) {
	var grn GRN
	var status string
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, number, warehouse_id, receiving_bin_id, COALESCE(supplier_ref, ''), status, version, note, created_by, created_at, updated_at
FROM grns WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&grn.ID, &grn.TenantID, &grn.Number, &grn.WarehouseID, &grn.ReceivingBinID, &grn.SupplierRef, &status, &grn.Version, &grn.Note, &grn.CreatedBy, &grn.CreatedAt, &grn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GRN{}, nil, ErrNotFound
		}
		return GRN{}, nil, err
	}
	grn.Status = GRNStatus(status)

	rows, err := r.pool.Query(ctx, `SELECT id, grn_id, item_id, batch_no, expiry_date, qty_expected, qty_received
FROM grn_lines WHERE grn_id=$1 ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return GRN{}, nil, err
	}
	defer rows.Close()
	var lines []GRNLine
	for rows.Next() {
		var l GRNLine
		if err := rows.Scan(&l.ID, &l.GRNID, &l.ItemID, &l.BatchNo, &l.ExpiryDate, &l.QtyExpected, &l.QtyReceived); err != nil {
			return GRN{}, nil, err
		}
		lines = append(lines, l)
	}
	return grn, lines, rows.Err()
}

// GetPutaway loads one putaway task.
func (r *Repository) GetPutaway(ctx context.Context, tenantID int64, id uuid.UUID) (PutawayTask, error) {
	var t PutawayTask
	var status string
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, grn_id, grn_line_id, warehouse_id, from_bin_id, to_bin_id, item_id, batch_no, expiry_date, qty, status, COALESCE(assigned_to, 0), created_at, completed_at
FROM putaway_tasks WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&t.ID, &t.TenantID, &t.GRNID, &t.GRNLineID, &t.WarehouseID, &t.FromBinID, &t.ToBinID, &t.ItemID, &t.BatchNo, &t.ExpiryDate, &t.Qty, &status, &t.AssignedTo, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PutawayTask{}, ErrNotFound
		}
		return PutawayTask{}, err
	}
	t.Status = PutawayStatus(status)
	return t, nil
}

// ListPutaways lists the tasks a GRN spawned.
func (r *Repository) ListPutaways(ctx context.Context, tenantID int64, grnID uuid.UUID) ([]PutawayTask, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, tenant_id, grn_id, grn_line_id, warehouse_id, from_bin_id, to_bin_id, item_id, batch_no, expiry_date, qty, status, COALESCE(assigned_to, 0), created_at, completed_at
FROM putaway_tasks WHERE tenant_id=$1 AND grn_id=$2 ORDER BY created_at ASC`, tenantID, grnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []PutawayTask
	for rows.Next() {
		var t PutawayTask
		var status string
		if err := rows.Scan(&t.ID, &t.TenantID, &t.GRNID, &t.GRNLineID, &t.WarehouseID, &t.FromBinID, &t.ToBinID, &t.ItemID, &t.BatchNo, &t.ExpiryDate, &t.Qty, &status, &t.AssignedTo, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		t.Status = PutawayStatus(status)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *txRepository) InsertGRN(ctx context.Context, grn GRN) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO grns (id, tenant_id, number, warehouse_id, receiving_bin_id, supplier_ref, status, version, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())`,
		grn.ID, grn.TenantID, grn.Number, grn.WarehouseID, grn.ReceivingBinID, nullString(grn.SupplierRef), string(grn.Status), grn.Version, grn.Note, grn.CreatedBy)
	return err
}

func (r *txRepository) InsertLine(ctx context.Context, line GRNLine) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO grn_lines (id, grn_id, item_id, batch_no, expiry_date, qty_expected, qty_received, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())`,
		line.ID, line.GRNID, line.ItemID, line.BatchNo, line.ExpiryDate, line.QtyExpected, line.QtyReceived)
	return err
}

func (r *txRepository) AddReceived(ctx context.Context, lineID uuid.UUID, qty float64, batchNo string) error {
	tag, err := r.tx.Exec(ctx, `UPDATE grn_lines
SET qty_received = qty_received + $2,
    batch_no = CASE WHEN $3::text <> '' THEN $3 ELSE batch_no END
WHERE id=$1`, lineID, qty, batchNo)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateGRNStatus transitions the header with an optimistic version check.
// A lost race surfaces as ErrConcurrentModification for the caller to retry.
func (r *txRepository) UpdateGRNStatus(ctx context.Context, id uuid.UUID, fromVersion int64, status GRNStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE grns SET status=$3, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$2`, id, fromVersion, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (r *txRepository) InsertPutaway(ctx context.Context, task PutawayTask) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO putaway_tasks (id, tenant_id, grn_id, grn_line_id, warehouse_id, from_bin_id, to_bin_id, item_id, batch_no, expiry_date, qty, status, assigned_to, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())`,
		task.ID, task.TenantID, task.GRNID, task.GRNLineID, task.WarehouseID, task.FromBinID, task.ToBinID, task.ItemID, task.BatchNo, task.ExpiryDate, task.Qty, string(task.Status), nullInt(task.AssignedTo))
	return err
}

func (r *txRepository) UpdatePutawayStatus(ctx context.Context, id uuid.UUID, from []PutawayStatus, to PutawayStatus, assignee int64, toBinID *int64) error {
	states := make([]string, 0, len(from))
	for _, s := range from {
		states = append(states, string(s))
	}
	tag, err := r.tx.Exec(ctx, `UPDATE putaway_tasks
SET status=$3,
    assigned_to=COALESCE(NULLIF($4::bigint, 0), assigned_to),
    to_bin_id=COALESCE($5, to_bin_id),
    completed_at=CASE WHEN $3='COMPLETE' THEN NOW() ELSE completed_at END
WHERE id=$1 AND status = ANY($2)`, id, states, string(to), assignee, toBinID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
