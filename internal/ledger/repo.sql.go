package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-wms/meridian-wms/internal/batch"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
)

// Repository persists ledger entries and snapshots in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the write path.
type TxRepository interface {
	GetSnapshotForUpdate(ctx context.Context, key Key) (Snapshot, error)
	UpsertSnapshot(ctx context.Context, snap Snapshot) error
	InsertEntry(ctx context.Context, entry Entry) (int64, error)
	UpsertBatch(ctx context.Context, b batch.Batch) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds the write-path operations to a transaction owned by
// a workflow repository, so a status transition and its stock effect can
// commit together.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a serializable transaction. A
// serialization or deadlock failure surfaces as ErrConcurrentModification
// for the caller to retry; the repository never retries on its own.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	err := db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && db.IsSerializationFailure(err) {
		return ErrConcurrentModification
	}
	return err
}

func (r *txRepository) GetSnapshotForUpdate(ctx context.Context, key Key) (Snapshot, error) {
	var snap Snapshot
	err := r.tx.QueryRow(ctx, `SELECT tenant_id, warehouse_id, bin_id, item_id, batch_no, COALESCE(batch_id, 0), expiry_date, qty_on_hand, qty_reserved, updated_at
FROM stock_snapshots
WHERE tenant_id=$1 AND bin_id=$2 AND item_id=$3 AND batch_no=$4
FOR UPDATE`, key.TenantID, key.BinID, key.ItemID, key.BatchNo).
		Scan(&snap.TenantID, &snap.WarehouseID, &snap.BinID, &snap.ItemID, &snap.BatchNo, &snap.BatchID, &snap.ExpiryDate, &snap.QtyOnHand, &snap.QtyReserved, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{TenantID: key.TenantID, BinID: key.BinID, ItemID: key.ItemID, BatchNo: key.BatchNo}, ErrSnapshotNotFound
		}
		return Snapshot{}, err
	}
	return snap, nil
}

func (r *txRepository) UpsertSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_snapshots (tenant_id, warehouse_id, bin_id, item_id, batch_no, batch_id, expiry_date, qty_on_hand, qty_reserved, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (tenant_id, bin_id, item_id, batch_no) DO UPDATE
SET warehouse_id=EXCLUDED.warehouse_id,
    batch_id=COALESCE(NULLIF(EXCLUDED.batch_id, 0), stock_snapshots.batch_id),
    expiry_date=COALESCE(EXCLUDED.expiry_date, stock_snapshots.expiry_date),
    qty_on_hand=EXCLUDED.qty_on_hand,
    qty_reserved=EXCLUDED.qty_reserved,
    updated_at=NOW()`,
		snap.TenantID, snap.WarehouseID, snap.BinID, snap.ItemID, snap.BatchNo, nullInt(snap.BatchID), snap.ExpiryDate, snap.QtyOnHand, snap.QtyReserved)
	return err
}

func (r *txRepository) InsertEntry(ctx context.Context, entry Entry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_ledger (tenant_id, warehouse_id, bin_id, item_id, batch_no, reason, qty_change, qty_after, ref_module, ref_id, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW()) RETURNING id`,
		entry.TenantID, entry.WarehouseID, entry.BinID, entry.ItemID, entry.BatchNo, string(entry.Reason), entry.QtyChange, entry.QtyAfter, entry.RefModule, nullUUID(entry.RefID), entry.Note).Scan(&id)
	return id, err
}

func (r *txRepository) UpsertBatch(ctx context.Context, b batch.Batch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO batches (tenant_id, item_id, batch_no, expiry_date, created_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (tenant_id, item_id, batch_no) DO UPDATE
SET expiry_date=COALESCE(EXCLUDED.expiry_date, batches.expiry_date)
RETURNING id`, b.TenantID, b.ItemID, b.BatchNo, b.ExpiryDate).Scan(&id)
	return id, err
}

// SnapshotsForItem lists snapshots for one item in FEFO order: earliest
// expiry first, no-expiry batches last, bin id as tiebreak.
func (r *Repository) SnapshotsForItem(ctx context.Context, tenantID, itemID, warehouseID int64) ([]Snapshot, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id, warehouse_id, bin_id, item_id, batch_no, COALESCE(batch_id, 0), expiry_date, qty_on_hand, qty_reserved, updated_at
FROM stock_snapshots
WHERE tenant_id=$1 AND item_id=$2 AND ($3::bigint = 0 OR warehouse_id=$3)
ORDER BY expiry_date ASC NULLS LAST, bin_id ASC`, tenantID, itemID, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// Available sums on-hand minus reserved across all snapshots of an item,
// optionally scoped to one warehouse.
func (r *Repository) Available(ctx context.Context, tenantID, itemID, warehouseID int64) (float64, error) {
	var qty float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(qty_on_hand - qty_reserved), 0)
FROM stock_snapshots
WHERE tenant_id=$1 AND item_id=$2 AND ($3::bigint = 0 OR warehouse_id=$3)`, tenantID, itemID, warehouseID).Scan(&qty)
	return qty, err
}

// Entries lists ledger rows for audit trails and transit diffs.
func (r *Repository) Entries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, tenant_id, warehouse_id, bin_id, item_id, batch_no, reason, qty_change, qty_after, ref_module, COALESCE(ref_id::text, ''), note, created_at
FROM stock_ledger
WHERE tenant_id=$1
  AND ($2::bigint = 0 OR bin_id=$2)
  AND ($3::bigint = 0 OR item_id=$3)
  AND ($4::text = '' OR batch_no=$4)
  AND created_at BETWEEN COALESCE($5, '-infinity') AND COALESCE($6, 'infinity')
ORDER BY created_at ASC, id ASC
LIMIT $7`, filter.TenantID, filter.BinID, filter.ItemID, filter.BatchNo, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var reason string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.WarehouseID, &e.BinID, &e.ItemID, &e.BatchNo, &reason, &e.QtyChange, &e.QtyAfter, &e.RefModule, &e.RefID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason = Reason(reason)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// StockedSnapshots lists snapshots holding stock, the input for expiry alert
// summaries.
func (r *Repository) StockedSnapshots(ctx context.Context, tenantID, warehouseID int64) ([]Snapshot, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id, warehouse_id, bin_id, item_id, batch_no, COALESCE(batch_id, 0), expiry_date, qty_on_hand, qty_reserved, updated_at
FROM stock_snapshots
WHERE tenant_id=$1 AND qty_on_hand > 0 AND ($2::bigint = 0 OR warehouse_id=$2)`, tenantID, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// WarehouseScopes lists the distinct tenant and warehouse pairs that hold
// stock.
func (r *Repository) WarehouseScopes(ctx context.Context) ([]Scope, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id, warehouse_id
FROM stock_snapshots
WHERE qty_on_hand > 0
ORDER BY tenant_id, warehouse_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scopes []Scope
	for rows.Next() {
		var sc Scope
		if err := rows.Scan(&sc.TenantID, &sc.WarehouseID); err != nil {
			return nil, err
		}
		scopes = append(scopes, sc)
	}
	return scopes, rows.Err()
}

// CheckIntegrity compares each snapshot balance with the summed ledger
// deltas for its key and returns the keys that drifted apart.
func (r *Repository) CheckIntegrity(ctx context.Context) ([]IntegrityDrift, error) {
	rows, err := r.pool.Query(ctx, `SELECT s.tenant_id, s.bin_id, s.item_id, s.batch_no, s.qty_on_hand, COALESCE(l.total, 0)
FROM stock_snapshots s
LEFT JOIN (
    SELECT tenant_id, bin_id, item_id, batch_no, SUM(qty_change) AS total
    FROM stock_ledger
    GROUP BY tenant_id, bin_id, item_id, batch_no
) l USING (tenant_id, bin_id, item_id, batch_no)
WHERE ABS(s.qty_on_hand - COALESCE(l.total, 0)) > 0.0001`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var drifts []IntegrityDrift
	for rows.Next() {
		var d IntegrityDrift
		if err := rows.Scan(&d.Key.TenantID, &d.Key.BinID, &d.Key.ItemID, &d.Key.BatchNo, &d.SnapshotQty, &d.LedgerQty); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

func scanSnapshots(rows pgx.Rows) ([]Snapshot, error) {
	var snaps []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.TenantID, &s.WarehouseID, &s.BinID, &s.ItemID, &s.BatchNo, &s.BatchID, &s.ExpiryDate, &s.QtyOnHand, &s.QtyReserved, &s.UpdatedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullUUID(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
