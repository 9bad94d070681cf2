package adjustment

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

type memoryRepo struct {
	adjs  map[uuid.UUID]*Adjustment
	lines map[uuid.UUID]*Line
	// onGet lets a test slip a competing action in between a status read
	// and the transaction that follows it.
	onGet func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{adjs: map[uuid.UUID]*Adjustment{}, lines: map[uuid.UUID]*Line{}}
}

// WithTx mirrors the rollback the real repository gets from its transaction.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	adjs, lines := cloneMap(m.adjs), cloneMap(m.lines)
	if err := fn(ctx, m); err != nil {
		m.adjs, m.lines = adjs, lines
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

func (m *memoryRepo) Get(_ context.Context, tenantID int64, id uuid.UUID) (Adjustment, []Line, error) {
	adj, ok := m.adjs[id]
	if !ok || adj.TenantID != tenantID {
		return Adjustment{}, nil, ErrNotFound
	}
	out := *adj
	var lines []Line
	for _, line := range m.lines {
		if line.AdjID == id {
			lines = append(lines, *line)
		}
	}
	if m.onGet != nil {
		m.onGet()
	}
	return out, lines, nil
}

func (m *memoryRepo) Ledger() ledger.TxRepository { return nil }

func (m *memoryRepo) InsertAdjustment(_ context.Context, adj Adjustment) error {
	copied := adj
	m.adjs[adj.ID] = &copied
	return nil
}

func (m *memoryRepo) InsertLine(_ context.Context, line Line) error {
	copied := line
	m.lines[line.ID] = &copied
	return nil
}

func (m *memoryRepo) UpdateStatus(_ context.Context, id uuid.UUID, fromVersion int64, status Status) error {
	adj, ok := m.adjs[id]
	if !ok {
		return ErrNotFound
	}
	if adj.Version != fromVersion {
		return ErrConcurrentModification
	}
	adj.Status = status
	adj.Version++
	return nil
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

func newTestService(t *testing.T) (*Service, *memoryRepo, *fakeLedger, *fakeApprovals) {
	t.Helper()
	repo := newMemoryRepo()
	lg := &fakeLedger{}
	ap := &fakeApprovals{}
	return NewService(repo, lg, ap, nil), repo, lg, ap
}

func approvedAdjustment(t *testing.T, svc *Service, deltas ...float64) Adjustment {
	t.Helper()
	ctx := context.Background()
	lines := make([]CreateLineInput, 0, len(deltas))
	for i, d := range deltas {
		lines = append(lines, CreateLineInput{
			BinID: int64(100 + i), ItemID: int64(500 + i), QtyDelta: d, Reason: "damage",
		})
	}
	adj, err := svc.Create(ctx, CreateInput{TenantID: 1, WarehouseID: 10, ActorID: 7, Lines: lines})
	require.NoError(t, err)
	require.NoError(t, svc.Submit(ctx, 1, adj.ID, 7, ""))
	require.NoError(t, svc.Approve(ctx, 1, adj.ID, 8, "ok"))
	got, _, err := svc.Get(ctx, 1, adj.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, got.Status)
	return got
}

func TestCreateRequiresReason(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateInput{
		TenantID: 1, WarehouseID: 10, ActorID: 7,
		Lines: []CreateLineInput{{BinID: 100, ItemID: 500, QtyDelta: -3}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateRejectsZeroDelta(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateInput{
		TenantID: 1, WarehouseID: 10, ActorID: 7,
		Lines: []CreateLineInput{{BinID: 100, ItemID: 500, QtyDelta: 0, Reason: "x"}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestApproveMovesNoStock(t *testing.T) {
	svc, _, lg, ap := newTestService(t)
	approvedAdjustment(t, svc, -3)

	require.Empty(t, lg.groups)
	require.Len(t, ap.logs, 2)
	require.Equal(t, shared.ApprovalApprove, ap.logs[1].Action)
}

func TestRejectFromSubmitted(t *testing.T) {
	svc, repo, _, ap := newTestService(t)
	ctx := context.Background()
	adj, err := svc.Create(ctx, CreateInput{
		TenantID: 1, WarehouseID: 10, ActorID: 7,
		Lines: []CreateLineInput{{BinID: 100, ItemID: 500, QtyDelta: -3, Reason: "damage"}},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Submit(ctx, 1, adj.ID, 7, ""))
	require.NoError(t, svc.Reject(ctx, 1, adj.ID, 8, "no evidence"))

	require.Equal(t, StatusRejected, repo.adjs[adj.ID].Status)
	require.Equal(t, shared.ApprovalReject, ap.logs[len(ap.logs)-1].Action)

	// rejected is terminal
	err = svc.Submit(ctx, 1, adj.ID, 7, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPostAppliesAllLines(t *testing.T) {
	svc, repo, lg, _ := newTestService(t)
	adj := approvedAdjustment(t, svc, -3, 5)

	require.NoError(t, svc.Post(context.Background(), 1, adj.ID, 8, "post-1"))

	require.Equal(t, StatusPosted, repo.adjs[adj.ID].Status)
	require.Len(t, lg.groups, 1)
	require.Len(t, lg.groups[0], 2)
	for _, m := range lg.groups[0] {
		require.Equal(t, ledger.ReasonAdjust, m.Reason)
		require.Equal(t, "damage", m.Note)
	}
}

func TestPostFailureLeavesApproved(t *testing.T) {
	svc, repo, lg, _ := newTestService(t)
	adj := approvedAdjustment(t, svc, -7)
	lg.err = ledger.ErrInsufficientStock

	err := svc.Post(context.Background(), 1, adj.ID, 8, "")
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)
	require.Equal(t, StatusApproved, repo.adjs[adj.ID].Status)

	// retry after restock succeeds
	lg.err = nil
	require.NoError(t, svc.Post(context.Background(), 1, adj.ID, 8, ""))
	require.Equal(t, StatusPosted, repo.adjs[adj.ID].Status)
}

func TestConcurrentPostAppliesOnce(t *testing.T) {
	svc, repo, lg, _ := newTestService(t)
	adj := approvedAdjustment(t, svc, -3)
	ctx := context.Background()

	// a competing post lands first, so the second one must lose its
	// version check before any entry lands
	fired := false
	repo.onGet = func() {
		if fired {
			return
		}
		fired = true
		require.NoError(t, svc.Post(ctx, 1, adj.ID, 8, "post-a"))
	}

	err := svc.Post(ctx, 1, adj.ID, 9, "post-b")
	require.ErrorIs(t, err, ErrConcurrentModification)

	require.Len(t, lg.groups, 1)
	require.Equal(t, []string{"post-a"}, lg.claims)
	require.Equal(t, StatusPosted, repo.adjs[adj.ID].Status)
}

func TestPostRequiresApproval(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	adj, err := svc.Create(ctx, CreateInput{
		TenantID: 1, WarehouseID: 10, ActorID: 7,
		Lines: []CreateLineInput{{BinID: 100, ItemID: 500, QtyDelta: -3, Reason: "damage"}},
	})
	require.NoError(t, err)

	err = svc.Post(ctx, 1, adj.ID, 8, "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, svc.Submit(ctx, 1, adj.ID, 7, ""))
	err = svc.Post(ctx, 1, adj.ID, 8, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}
