package cyclecount

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

type memoryRepo struct {
	counts map[uuid.UUID]*CycleCount
	lines  map[uuid.UUID]*Line
	// onGet lets a test slip a competing action in between a status read
	// and the transaction that follows it.
	onGet func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{counts: map[uuid.UUID]*CycleCount{}, lines: map[uuid.UUID]*Line{}}
}

// WithTx mirrors the rollback the real repository gets from its transaction.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	counts, lines := cloneMap(m.counts), cloneMap(m.lines)
	if err := fn(ctx, m); err != nil {
		m.counts, m.lines = counts, lines
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](src map[K]*V) map[K]*V {
	dst := make(map[K]*V, len(src))
	for k, v := range src {
		copied := *v
		dst[k] = &copied
	}
	return dst
}

func (m *memoryRepo) Get(_ context.Context, tenantID int64, id uuid.UUID) (CycleCount, []Line, error) {
	count, ok := m.counts[id]
	if !ok || count.TenantID != tenantID {
		return CycleCount{}, nil, ErrNotFound
	}
	out := *count
	var lines []Line
	for _, line := range m.lines {
		if line.CountID == id {
			lines = append(lines, *line)
		}
	}
	if m.onGet != nil {
		m.onGet()
	}
	return out, lines, nil
}

func (m *memoryRepo) Ledger() ledger.TxRepository { return nil }

func (m *memoryRepo) InsertCount(_ context.Context, count CycleCount) error {
	copied := count
	m.counts[count.ID] = &copied
	return nil
}

func (m *memoryRepo) InsertLine(_ context.Context, line Line) error {
	copied := line
	m.lines[line.ID] = &copied
	return nil
}

func (m *memoryRepo) RecordCount(_ context.Context, lineID uuid.UUID, qty float64, actorID int64) error {
	line, ok := m.lines[lineID]
	if !ok {
		return ErrNotFound
	}
	line.QtyCounted = &qty
	line.CountedBy = actorID
	return nil
}

func (m *memoryRepo) UpdateStatus(_ context.Context, id uuid.UUID, fromVersion int64, status Status) error {
	count, ok := m.counts[id]
	if !ok {
		return ErrNotFound
	}
	if count.Version != fromVersion {
		return ErrConcurrentModification
	}
	count.Status = status
	count.Version++
	return nil
}

type fakeSnapshots struct {
	snaps []ledger.Snapshot
}

func (f *fakeSnapshots) StockedSnapshots(_ context.Context, tenantID, warehouseID int64) ([]ledger.Snapshot, error) {
	var out []ledger.Snapshot
	for _, s := range f.snaps {
		if s.TenantID == tenantID && (warehouseID == 0 || s.WarehouseID == warehouseID) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeLedger struct {
	groups [][]ledger.Movement
	claims []string
	err    error
}

func (f *fakeLedger) ClaimOperation(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	f.claims = append(f.claims, key)
	return true, nil
}

func (f *fakeLedger) ReleaseOperation(_ context.Context, key string) {
	for i, k := range f.claims {
		if k == key {
			f.claims = append(f.claims[:i], f.claims[i+1:]...)
			return
		}
	}
}

func (f *fakeLedger) ApplyMovementsTx(_ context.Context, _ ledger.TxRepository, ms []ledger.Movement) ([]ledger.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.groups = append(f.groups, ms)
	return make([]ledger.Entry, len(ms)), nil
}

type fakeApprovals struct {
	logs []shared.ApprovalLog
}

func (f *fakeApprovals) Record(_ context.Context, log shared.ApprovalLog) error {
	f.logs = append(f.logs, log)
	return nil
}

func newTestService(t *testing.T, snaps ...ledger.Snapshot) (*Service, *memoryRepo, *fakeLedger, *fakeApprovals) {
	t.Helper()
	repo := newMemoryRepo()
	lg := &fakeLedger{}
	ap := &fakeApprovals{}
	return NewService(repo, &fakeSnapshots{snaps: snaps}, lg, ap, nil), repo, lg, ap
}

func baseSnapshots() []ledger.Snapshot {
	return []ledger.Snapshot{
		{TenantID: 1, WarehouseID: 10, BinID: 100, ItemID: 500, BatchNo: "B1", QtyOnHand: 100},
		{TenantID: 1, WarehouseID: 10, BinID: 101, ItemID: 501, BatchNo: "", QtyOnHand: 40},
	}
}

func TestOpenFreezesBaseline(t *testing.T) {
	svc, _, _, _ := newTestService(t, baseSnapshots()...)

	count, err := svc.Open(context.Background(), OpenInput{TenantID: 1, WarehouseID: 10, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, StatusOpen, count.Status)

	_, lines, err := svc.Get(context.Background(), 1, count.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	for _, line := range lines {
		require.Nil(t, line.QtyCounted)
		require.Positive(t, line.QtySnapshot)
	}
}

func TestOpenScopedToBin(t *testing.T) {
	svc, _, _, _ := newTestService(t, baseSnapshots()...)

	count, err := svc.Open(context.Background(), OpenInput{TenantID: 1, WarehouseID: 10, BinID: 100, ActorID: 7})
	require.NoError(t, err)

	_, lines, err := svc.Get(context.Background(), 1, count.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, int64(100), lines[0].BinID)
}

func TestOpenEmptyScopeRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t, baseSnapshots()...)

	_, err := svc.Open(context.Background(), OpenInput{TenantID: 1, WarehouseID: 10, BinID: 999, ActorID: 7})
	require.ErrorIs(t, err, ErrEmptyScope)
}

func TestRecordCountMovesToInProgress(t *testing.T) {
	svc, repo, _, _ := newTestService(t, baseSnapshots()...)
	ctx := context.Background()
	count, err := svc.Open(ctx, OpenInput{TenantID: 1, WarehouseID: 10, ActorID: 7})
	require.NoError(t, err)
	_, lines, err := svc.Get(ctx, 1, count.ID)
	require.NoError(t, err)

	require.NoError(t, svc.RecordCount(ctx, 1, count.ID, lines[0].ID, 92, 7))
	require.Equal(t, StatusInProgress, repo.counts[count.ID].Status)
	require.Equal(t, 92.0, *repo.lines[lines[0].ID].QtyCounted)

	// recount overwrites
	require.NoError(t, svc.RecordCount(ctx, 1, count.ID, lines[0].ID, 95, 7))
	require.Equal(t, 95.0, *repo.lines[lines[0].ID].QtyCounted)
}

func TestSubmitRequiresAllLinesCounted(t *testing.T) {
	svc, _, _, _ := newTestService(t, baseSnapshots()...)
	ctx := context.Background()
	count, err := svc.Open(ctx, OpenInput{TenantID: 1, WarehouseID: 10, ActorID: 7})
	require.NoError(t, err)
	_, lines, err := svc.Get(ctx, 1, count.ID)
	require.NoError(t, err)

	require.NoError(t, svc.RecordCount(ctx, 1, count.ID, lines[0].ID, 92, 7))
	err = svc.Submit(ctx, 1, count.ID, 7, "")
	require.ErrorIs(t, err, ErrUncountedLines)

	require.NoError(t, svc.RecordCount(ctx, 1, count.ID, lines[1].ID, 40, 7))
	require.NoError(t, svc.Submit(ctx, 1, count.ID, 7, ""))
}

func submittedCount(t *testing.T, svc *Service, counted map[int64]float64) (CycleCount, []Line) {
	t.Helper()
	ctx := context.Background()
	count, err := svc.Open(ctx, OpenInput{TenantID: 1, WarehouseID: 10, ActorID: 7})
	require.NoError(t, err)
	_, lines, err := svc.Get(ctx, 1, count.ID)
	require.NoError(t, err)
	for _, line := range lines {
		qty, ok := counted[line.BinID]
		if !ok {
			qty = line.QtySnapshot
		}
		require.NoError(t, svc.RecordCount(ctx, 1, count.ID, line.ID, qty, 7))
	}
	require.NoError(t, svc.Submit(ctx, 1, count.ID, 7, ""))
	got, gotLines, err := svc.Get(ctx, 1, count.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, got.Status)
	return got, gotLines
}

func TestClosePostsVarianceAdjustments(t *testing.T) {
	svc, repo, lg, ap := newTestService(t, baseSnapshots()...)
	count, _ := submittedCount(t, svc, map[int64]float64{100: 92})

	require.NoError(t, svc.Close(context.Background(), 1, count.ID, 8, "ok", "close-1"))

	require.Equal(t, StatusClosed, repo.counts[count.ID].Status)
	require.Len(t, lg.groups, 1)
	require.Len(t, lg.groups[0], 1)
	m := lg.groups[0][0]
	require.Equal(t, ledger.ReasonAdjust, m.Reason)
	require.Equal(t, -8.0, m.QtyChange)
	require.Equal(t, int64(100), m.BinID)

	require.Equal(t, shared.ApprovalApprove, ap.logs[len(ap.logs)-1].Action)
}

func TestCloseWithoutVariancePostsNothing(t *testing.T) {
	svc, repo, lg, _ := newTestService(t, baseSnapshots()...)
	count, _ := submittedCount(t, svc, nil)

	require.NoError(t, svc.Close(context.Background(), 1, count.ID, 8, "", ""))
	require.Equal(t, StatusClosed, repo.counts[count.ID].Status)
	require.Empty(t, lg.groups)
}

func TestCloseFailureLeavesPendingApproval(t *testing.T) {
	svc, repo, lg, _ := newTestService(t, baseSnapshots()...)
	count, _ := submittedCount(t, svc, map[int64]float64{100: 92})
	lg.err = errors.New("would drive stock negative")

	err := svc.Close(context.Background(), 1, count.ID, 8, "", "")
	require.Error(t, err)
	require.Equal(t, StatusPendingApproval, repo.counts[count.ID].Status)
}

func TestConcurrentClosePostsVarianceOnce(t *testing.T) {
	svc, repo, lg, _ := newTestService(t, baseSnapshots()...)
	count, _ := submittedCount(t, svc, map[int64]float64{100: 92})
	ctx := context.Background()

	// a competing close lands first, so the second one must lose its
	// version check before any adjustment posts
	fired := false
	repo.onGet = func() {
		if fired {
			return
		}
		fired = true
		require.NoError(t, svc.Close(ctx, 1, count.ID, 8, "", "close-a"))
	}

	err := svc.Close(ctx, 1, count.ID, 9, "", "close-b")
	require.ErrorIs(t, err, ErrConcurrentModification)

	require.Len(t, lg.groups, 1)
	require.Equal(t, []string{"close-a"}, lg.claims)
	require.Equal(t, StatusClosed, repo.counts[count.ID].Status)
}

func TestVariances(t *testing.T) {
	svc, _, _, _ := newTestService(t, baseSnapshots()...)
	count, _ := submittedCount(t, svc, map[int64]float64{100: 92})

	vs, err := svc.Variances(context.Background(), 1, count.ID)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	require.Equal(t, -8.0, vs[0].Delta)
	require.Equal(t, 100.0, vs[0].QtySnapshot)
	require.Equal(t, 92.0, vs[0].QtyCounted)
}

func TestCancelAfterSubmitRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t, baseSnapshots()...)
	count, _ := submittedCount(t, svc, nil)

	err := svc.Cancel(context.Background(), 1, count.ID, 7)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelInProgressSucceeds(t *testing.T) {
	svc, repo, _, _ := newTestService(t, baseSnapshots()...)
	ctx := context.Background()
	count, err := svc.Open(ctx, OpenInput{TenantID: 1, WarehouseID: 10, ActorID: 7})
	require.NoError(t, err)
	_, lines, err := svc.Get(ctx, 1, count.ID)
	require.NoError(t, err)
	require.NoError(t, svc.RecordCount(ctx, 1, count.ID, lines[0].ID, 5, 7))

	require.NoError(t, svc.Cancel(ctx, 1, count.ID, 7))
	require.Equal(t, StatusCancelled, repo.counts[count.ID].Status)
}
