package reservation

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
)

type memoryRepo struct {
	snapshots    map[ledger.Key]*ledger.Snapshot
	reservations map[uuid.UUID]*Reservation
	lines        map[uuid.UUID][]Line
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		snapshots:    map[ledger.Key]*ledger.Snapshot{},
		reservations: map[uuid.UUID]*Reservation{},
		lines:        map[uuid.UUID][]Line{},
	}
}

type memoryTx struct {
	repo     *memoryRepo
	reserved map[ledger.Key]float64
	res      []Reservation
	lines    []Line
	released []uuid.UUID
}

// WithTx buffers writes and applies them only when fn succeeds, so a failed
// reservation leaves no partial hold behind, same as a rolled back
// transaction.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: m, reserved: map[ledger.Key]float64{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for key, delta := range tx.reserved {
		m.snapshots[key].QtyReserved += delta
	}
	for _, res := range tx.res {
		copied := res
		m.reservations[res.ID] = &copied
	}
	for _, line := range tx.lines {
		m.lines[line.ReservationID] = append(m.lines[line.ReservationID], line)
	}
	for _, id := range tx.released {
		m.reservations[id].Status = StatusReleased
	}
	return nil
}

func (t *memoryTx) SnapshotsForItemForUpdate(_ context.Context, tenantID, itemID int64) ([]ledger.Snapshot, error) {
	var out []ledger.Snapshot
	for _, snap := range t.repo.snapshots {
		if snap.TenantID == tenantID && snap.ItemID == itemID {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate == nil:
			return a.BinID < b.BinID
		case a.ExpiryDate == nil:
			return false
		case b.ExpiryDate == nil:
			return true
		case a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.BinID < b.BinID
		default:
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
	})
	return out, nil
}

func (t *memoryTx) AddReserved(_ context.Context, key ledger.Key, delta float64) error {
	snap, ok := t.repo.snapshots[key]
	if !ok {
		return ErrInsufficientAvailable
	}
	next := snap.QtyReserved + t.reserved[key] + delta
	if next < -1e-6 || next > snap.QtyOnHand+1e-6 {
		return ErrInsufficientAvailable
	}
	t.reserved[key] += delta
	return nil
}

func (t *memoryTx) InsertReservation(_ context.Context, res Reservation) error {
	t.res = append(t.res, res)
	return nil
}

func (t *memoryTx) InsertLine(_ context.Context, line Line) error {
	t.lines = append(t.lines, line)
	return nil
}

func (t *memoryTx) GetReservationForUpdate(_ context.Context, tenantID int64, id uuid.UUID) (Reservation, []Line, error) {
	res, ok := t.repo.reservations[id]
	if !ok || res.TenantID != tenantID {
		return Reservation{}, nil, ErrNotFound
	}
	return *res, t.repo.lines[id], nil
}

func (t *memoryTx) MarkReleased(_ context.Context, id uuid.UUID) error {
	t.released = append(t.released, id)
	return nil
}

func (m *memoryRepo) setSnapshot(snap ledger.Snapshot) {
	copied := snap
	m.snapshots[snap.Key()] = &copied
}

func expiry(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func newTestService(t *testing.T) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	return NewService(repo, nil), repo
}

func seedThreeBatches(repo *memoryRepo) {
	repo.setSnapshot(ledger.Snapshot{TenantID: 1, WarehouseID: 10, BinID: 101, ItemID: 500, BatchNo: "E2", ExpiryDate: expiry("2026-10-01"), QtyOnHand: 50})
	repo.setSnapshot(ledger.Snapshot{TenantID: 1, WarehouseID: 10, BinID: 102, ItemID: 500, BatchNo: "E1", ExpiryDate: expiry("2026-09-10"), QtyOnHand: 30})
	repo.setSnapshot(ledger.Snapshot{TenantID: 1, WarehouseID: 10, BinID: 103, ItemID: 500, BatchNo: "E3", ExpiryDate: expiry("2026-11-01"), QtyOnHand: 50})
}

func TestReserveFollowsFEFO(t *testing.T) {
	svc, repo := newTestService(t)
	seedThreeBatches(repo)

	res, err := svc.Reserve(context.Background(), Input{TenantID: 1, ItemID: 500, Qty: 40, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, StatusActive, res.Status)

	lines := repo.lines[res.ID]
	require.Len(t, lines, 2)
	require.Equal(t, "E1", lines[0].BatchNo)
	require.Equal(t, 30.0, lines[0].Qty)
	require.Equal(t, "E2", lines[1].BatchNo)
	require.Equal(t, 10.0, lines[1].Qty)

	// earliest batch fully held before the next is touched
	e1 := repo.snapshots[ledger.Key{TenantID: 1, BinID: 102, ItemID: 500, BatchNo: "E1"}]
	require.Equal(t, 30.0, e1.QtyReserved)
}

func TestReserveInsufficientLeavesNoHold(t *testing.T) {
	svc, repo := newTestService(t)
	seedThreeBatches(repo)

	_, err := svc.Reserve(context.Background(), Input{TenantID: 1, ItemID: 500, Qty: 131, ActorID: 7})
	require.ErrorIs(t, err, ErrInsufficientAvailable)

	for _, snap := range repo.snapshots {
		require.Zero(t, snap.QtyReserved)
	}
	require.Empty(t, repo.reservations)
}

func TestReserveCountsExistingHolds(t *testing.T) {
	svc, repo := newTestService(t)
	repo.setSnapshot(ledger.Snapshot{TenantID: 1, WarehouseID: 10, BinID: 101, ItemID: 500, QtyOnHand: 20, QtyReserved: 15})

	_, err := svc.Reserve(context.Background(), Input{TenantID: 1, ItemID: 500, Qty: 6, ActorID: 7})
	require.ErrorIs(t, err, ErrInsufficientAvailable)

	_, err = svc.Reserve(context.Background(), Input{TenantID: 1, ItemID: 500, Qty: 5, ActorID: 7})
	require.NoError(t, err)
}

func TestReserveValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Reserve(context.Background(), Input{TenantID: 1, ItemID: 500, Qty: 0})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Reserve(context.Background(), Input{TenantID: 0, ItemID: 500, Qty: 1})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestReleaseRestoresAvailability(t *testing.T) {
	svc, repo := newTestService(t)
	seedThreeBatches(repo)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, Input{TenantID: 1, ItemID: 500, Qty: 40, ActorID: 7})
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, 1, res.ID, 7))
	for _, snap := range repo.snapshots {
		require.Zero(t, snap.QtyReserved)
	}
	require.Equal(t, StatusReleased, repo.reservations[res.ID].Status)
}

func TestReleaseTwiceRejected(t *testing.T) {
	svc, repo := newTestService(t)
	seedThreeBatches(repo)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, Input{TenantID: 1, ItemID: 500, Qty: 10, ActorID: 7})
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, 1, res.ID, 7))

	err = svc.Release(ctx, 1, res.ID, 7)
	require.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestReleaseUnknownReservation(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Release(context.Background(), 1, uuid.New(), 7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReservedNeverExceedsOnHand(t *testing.T) {
	svc, repo := newTestService(t)
	repo.setSnapshot(ledger.Snapshot{TenantID: 1, WarehouseID: 10, BinID: 101, ItemID: 500, QtyOnHand: 10})
	ctx := context.Background()

	_, err := svc.Reserve(ctx, Input{TenantID: 1, ItemID: 500, Qty: 7, ActorID: 7})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, Input{TenantID: 1, ItemID: 500, Qty: 3, ActorID: 7})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, Input{TenantID: 1, ItemID: 500, Qty: 1, ActorID: 7})
	require.ErrorIs(t, err, ErrInsufficientAvailable)

	snap := repo.snapshots[ledger.Key{TenantID: 1, BinID: 101, ItemID: 500}]
	require.Equal(t, 10.0, snap.QtyReserved)
	require.LessOrEqual(t, snap.QtyReserved, snap.QtyOnHand)
}
