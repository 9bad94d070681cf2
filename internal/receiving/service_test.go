package receiving

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
)

type memoryRepo struct {
	grns     map[uuid.UUID]*GRN
	lines    map[uuid.UUID]*GRNLine
	putaways map[uuid.UUID]*PutawayTask
	// onGetGRN lets a test slip a competing action in between a header read
	// and the transaction that follows it.
	onGetGRN func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		grns:     map[uuid.UUID]*GRN{},
		lines:    map[uuid.UUID]*GRNLine{},
		putaways: map[uuid.UUID]*PutawayTask{},
	}
}

// WithTx mirrors the rollback the real repository gets from its transaction.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	grns, lines, putaways := cloneMap(m.grns), cloneMap(m.lines), cloneMap(m.putaways)
	if err := fn(ctx, m); err != nil {
		m.grns, m.lines, m.putaways = grns, lines, putaways
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

func (m *memoryRepo) GetGRN(_ context.Context, tenantID int64, id uuid.UUID) (GRN, []GRNLine, error) {
	grn, ok := m.grns[id]
	if !ok || grn.TenantID != tenantID {
		return GRN{}, nil, ErrNotFound
	}
	out := *grn
	var lines []GRNLine
	for _, line := range m.lines {
		if line.GRNID == id {
			lines = append(lines, *line)
		}
	}
	if m.onGetGRN != nil {
		m.onGetGRN()
	}
	return out, lines, nil
}

func (m *memoryRepo) Ledger() ledger.TxRepository { return nil }

func (m *memoryRepo) GetPutaway(_ context.Context, tenantID int64, id uuid.UUID) (PutawayTask, error) {
	task, ok := m.putaways[id]
	if !ok || task.TenantID != tenantID {
		return PutawayTask{}, ErrNotFound
	}
	return *task, nil
}

func (m *memoryRepo) ListPutaways(_ context.Context, tenantID int64, grnID uuid.UUID) ([]PutawayTask, error) {
	var tasks []PutawayTask
	for _, task := range m.putaways {
		if task.TenantID == tenantID && task.GRNID == grnID {
			tasks = append(tasks, *task)
		}
	}
	return tasks, nil
}

func (m *memoryRepo) InsertGRN(_ context.Context, grn GRN) error {
	copied := grn
	m.grns[grn.ID] = &copied
	return nil
}

func (m *memoryRepo) InsertLine(_ context.Context, line GRNLine) error {
	copied := line
	m.lines[line.ID] = &copied
	return nil
}

func (m *memoryRepo) AddReceived(_ context.Context, lineID uuid.UUID, qty float64, batchNo string) error {
	line, ok := m.lines[lineID]
	if !ok {
		return ErrNotFound
	}
	line.QtyReceived += qty
	if batchNo != "" {
		line.BatchNo = batchNo
	}
	return nil
}

func (m *memoryRepo) UpdateGRNStatus(_ context.Context, id uuid.UUID, fromVersion int64, status GRNStatus) error {
	grn, ok := m.grns[id]
	if !ok {
		return ErrNotFound
	}
	if grn.Version != fromVersion {
		return ErrConcurrentModification
	}
	grn.Status = status
	grn.Version++
	return nil
}

func (m *memoryRepo) InsertPutaway(_ context.Context, task PutawayTask) error {
	copied := task
	m.putaways[task.ID] = &copied
	return nil
}

func (m *memoryRepo) UpdatePutawayStatus(_ context.Context, id uuid.UUID, from []PutawayStatus, to PutawayStatus, assignee int64, toBinID *int64) error {
	task, ok := m.putaways[id]
	if !ok {
		return ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if task.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return ErrInvalidTransition
	}
	task.Status = to
	if assignee != 0 {
		task.AssignedTo = assignee
	}
	if toBinID != nil {
		task.ToBinID = toBinID
	}
	return nil
}

type fakeLedger struct {
	movements []ledger.Movement
	groups    [][]ledger.Movement
	claims    []string
	err       error
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
	f.movements = append(f.movements, ms...)
	entries := make([]ledger.Entry, len(ms))
	for i, m := range ms {
		entries[i] = ledger.Entry{QtyChange: m.QtyChange}
	}
	return entries, nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *fakeLedger) {
	t.Helper()
	repo := newMemoryRepo()
	lg := &fakeLedger{}
	return NewService(repo, lg, nil), repo, lg
}

func createOpenGRN(t *testing.T, svc *Service) (GRN, []GRNLine) {
	t.Helper()
	ctx := context.Background()
	grn, err := svc.Create(ctx, CreateInput{
		TenantID:       1,
		WarehouseID:    10,
		ReceivingBinID: 100,
		ActorID:        7,
		Lines: []CreateLineInput{
			{ItemID: 500, BatchNo: "B1", QtyExpected: 20},
			{ItemID: 501, QtyExpected: 5},
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Open(ctx, 1, grn.ID, 7))
	got, lines, err := svc.Get(ctx, 1, grn.ID)
	require.NoError(t, err)
	require.Equal(t, GRNStatusOpen, got.Status)
	return got, lines
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateInput{TenantID: 1, WarehouseID: 10, ReceivingBinID: 100})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(context.Background(), CreateInput{
		TenantID: 1, WarehouseID: 10, ReceivingBinID: 100,
		Lines: []CreateLineInput{{ItemID: 500, QtyExpected: -1}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestReceiveLinePostsLedgerAndCreatesPutaway(t *testing.T) {
	svc, _, lg := newTestService(t)
	grn, lines := createOpenGRN(t, svc)
	ctx := context.Background()

	task, err := svc.ReceiveLine(ctx, ReceiveInput{
		TenantID: 1, GRNID: grn.ID, LineID: lines[0].ID, Qty: 12, ActorID: 7,
	})
	require.NoError(t, err)

	require.Len(t, lg.movements, 1)
	m := lg.movements[0]
	require.Equal(t, ledger.ReasonReceive, m.Reason)
	require.Equal(t, grn.ReceivingBinID, m.BinID)
	require.Equal(t, 12.0, m.QtyChange)
	require.Equal(t, "B1", m.BatchNo)

	require.Equal(t, PutawayPending, task.Status)
	require.Equal(t, grn.ReceivingBinID, task.FromBinID)

	got, gotLines, err := svc.Get(ctx, 1, grn.ID)
	require.NoError(t, err)
	require.Equal(t, GRNStatusPartial, got.Status)
	var received float64
	for _, l := range gotLines {
		if l.ID == lines[0].ID {
			received = l.QtyReceived
		}
	}
	require.Equal(t, 12.0, received)
}

func TestReceiveAllLinesMarksReceived(t *testing.T) {
	svc, _, _ := newTestService(t)
	grn, lines := createOpenGRN(t, svc)
	ctx := context.Background()

	for _, line := range lines {
		_, err := svc.ReceiveLine(ctx, ReceiveInput{
			TenantID: 1, GRNID: grn.ID, LineID: line.ID, Qty: line.QtyExpected, ActorID: 7,
		})
		require.NoError(t, err)
	}

	got, _, err := svc.Get(ctx, 1, grn.ID)
	require.NoError(t, err)
	require.Equal(t, GRNStatusReceived, got.Status)

	// over-receipt is still allowed after everything arrived
	_, err = svc.ReceiveLine(ctx, ReceiveInput{
		TenantID: 1, GRNID: grn.ID, LineID: lines[0].ID, Qty: 1, ActorID: 7,
	})
	require.NoError(t, err)
}

func TestReceiveRejectsDraftAndCompleted(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	grn, err := svc.Create(ctx, CreateInput{
		TenantID: 1, WarehouseID: 10, ReceivingBinID: 100, ActorID: 7,
		Lines: []CreateLineInput{{ItemID: 500, QtyExpected: 3}},
	})
	require.NoError(t, err)
	_, lines, err := svc.Get(ctx, 1, grn.ID)
	require.NoError(t, err)

	_, err = svc.ReceiveLine(ctx, ReceiveInput{TenantID: 1, GRNID: grn.ID, LineID: lines[0].ID, Qty: 1, ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, svc.Open(ctx, 1, grn.ID, 7))
	require.NoError(t, svc.Complete(ctx, 1, grn.ID, 7))
	_, err = svc.ReceiveLine(ctx, ReceiveInput{TenantID: 1, GRNID: grn.ID, LineID: lines[0].ID, Qty: 1, ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReceiveLedgerFailureLeavesWorkflowUntouched(t *testing.T) {
	svc, repo, lg := newTestService(t)
	grn, lines := createOpenGRN(t, svc)
	lg.err = errors.New("ledger down")

	_, err := svc.ReceiveLine(context.Background(), ReceiveInput{
		TenantID: 1, GRNID: grn.ID, LineID: lines[0].ID, Qty: 5, ActorID: 7,
	})
	require.Error(t, err)

	require.Equal(t, 0.0, repo.lines[lines[0].ID].QtyReceived)
	require.Empty(t, repo.putaways)
	require.Equal(t, GRNStatusOpen, repo.grns[grn.ID].Status)
}

func TestCancelRefusedAfterReceipt(t *testing.T) {
	svc, _, _ := newTestService(t)
	grn, lines := createOpenGRN(t, svc)
	ctx := context.Background()

	_, err := svc.ReceiveLine(ctx, ReceiveInput{TenantID: 1, GRNID: grn.ID, LineID: lines[0].ID, Qty: 1, ActorID: 7})
	require.NoError(t, err)

	err = svc.Cancel(ctx, 1, grn.ID, 7)
	require.ErrorIs(t, err, ErrHasReceipts)
}

func TestCancelBeforeReceiptSucceeds(t *testing.T) {
	svc, repo, _ := newTestService(t)
	grn, _ := createOpenGRN(t, svc)

	require.NoError(t, svc.Cancel(context.Background(), 1, grn.ID, 7))
	require.Equal(t, GRNStatusCancelled, repo.grns[grn.ID].Status)
}

func TestPutawayLifecycle(t *testing.T) {
	svc, repo, lg := newTestService(t)
	grn, lines := createOpenGRN(t, svc)
	ctx := context.Background()

	task, err := svc.ReceiveLine(ctx, ReceiveInput{TenantID: 1, GRNID: grn.ID, LineID: lines[0].ID, Qty: 8, ActorID: 7})
	require.NoError(t, err)

	// complete before assignment is rejected: no target bin yet
	err = svc.CompletePutaway(ctx, 1, task.ID, 7, "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, svc.AssignPutaway(ctx, 1, task.ID, 9, 200, 7))
	require.Equal(t, PutawayAssigned, repo.putaways[task.ID].Status)

	require.NoError(t, svc.CompletePutaway(ctx, 1, task.ID, 7, "op-1"))
	require.Equal(t, PutawayComplete, repo.putaways[task.ID].Status)

	// the receipt posted the first group, the putaway pair the second
	require.Len(t, lg.groups, 2)
	pair := lg.groups[1]
	require.Len(t, pair, 2)
	require.Equal(t, ledger.ReasonTransfer, pair[0].Reason)
	require.Equal(t, -8.0, pair[0].QtyChange)
	require.Equal(t, grn.ReceivingBinID, pair[0].BinID)
	require.Equal(t, 8.0, pair[1].QtyChange)
	require.Equal(t, int64(200), pair[1].BinID)

	// completing twice is an invalid transition, not a double post
	err = svc.CompletePutaway(ctx, 1, task.ID, 7, "op-2")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Len(t, lg.groups, 2)
}

func TestAssignPutawayRejectsReceivingBinTarget(t *testing.T) {
	svc, _, _ := newTestService(t)
	grn, lines := createOpenGRN(t, svc)
	ctx := context.Background()

	task, err := svc.ReceiveLine(ctx, ReceiveInput{TenantID: 1, GRNID: grn.ID, LineID: lines[0].ID, Qty: 2, ActorID: 7})
	require.NoError(t, err)

	err = svc.AssignPutaway(ctx, 1, task.ID, 9, grn.ReceivingBinID, 7)
	require.ErrorIs(t, err, ErrValidation)
}

func TestCancelPutawayKeepsStockInReceivingBin(t *testing.T) {
	svc, repo, lg := newTestService(t)
	grn, lines := createOpenGRN(t, svc)
	ctx := context.Background()

	task, err := svc.ReceiveLine(ctx, ReceiveInput{TenantID: 1, GRNID: grn.ID, LineID: lines[0].ID, Qty: 2, ActorID: 7})
	require.NoError(t, err)

	require.NoError(t, svc.CancelPutaway(ctx, 1, task.ID, 7))
	require.Equal(t, PutawayCancelled, repo.putaways[task.ID].Status)
	// only the receipt posted; cancellation moves nothing
	require.Len(t, lg.groups, 1)
}

func TestConcurrentReceiveLinePostsOnce(t *testing.T) {
	svc, repo, lg := newTestService(t)
	grn, lines := createOpenGRN(t, svc)
	ctx := context.Background()

	// a competing receipt lands first and moves the header to PARTIAL, so
	// the second receipt must lose its version check before posting stock
	fired := false
	repo.onGetGRN = func() {
		if fired {
			return
		}
		fired = true
		_, err := svc.ReceiveLine(ctx, ReceiveInput{
			TenantID: 1, GRNID: grn.ID, LineID: lines[0].ID, Qty: 5, ActorID: 7, OperationKey: "rcv-a",
		})
		require.NoError(t, err)
	}

	_, err := svc.ReceiveLine(ctx, ReceiveInput{
		TenantID: 1, GRNID: grn.ID, LineID: lines[0].ID, Qty: 5, ActorID: 8, OperationKey: "rcv-b",
	})
	require.ErrorIs(t, err, ErrConcurrentModification)

	require.Len(t, lg.groups, 1)
	require.Equal(t, []string{"rcv-a"}, lg.claims)
	require.Equal(t, 5.0, repo.lines[lines[0].ID].QtyReceived)
	require.Equal(t, GRNStatusPartial, repo.grns[grn.ID].Status)
	require.Len(t, repo.putaways, 1)
}
