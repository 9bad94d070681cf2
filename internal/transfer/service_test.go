package transfer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

type memoryRepo struct {
	ibts  map[uuid.UUID]*IBT
	lines map[uuid.UUID]*Line
	// onGet lets a test slip a competing action in between a status read
	// and the transaction that follows it.
	onGet func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{ibts: map[uuid.UUID]*IBT{}, lines: map[uuid.UUID]*Line{}}
}

// WithTx mirrors the rollback the real repository gets from its transaction.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	ibts, lines := cloneMap(m.ibts), cloneMap(m.lines)
	if err := fn(ctx, m); err != nil {
		m.ibts, m.lines = ibts, lines
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

func (m *memoryRepo) Get(_ context.Context, tenantID int64, id uuid.UUID) (IBT, []Line, error) {
	ibt, ok := m.ibts[id]
	if !ok || ibt.TenantID != tenantID {
		return IBT{}, nil, ErrNotFound
	}
	out := *ibt
	var lines []Line
	for _, line := range m.lines {
		if line.IBTID == id {
			lines = append(lines, *line)
		}
	}
	if m.onGet != nil {
		m.onGet()
	}
	return out, lines, nil
}

func (m *memoryRepo) Ledger() ledger.TxRepository { return nil }

func (m *memoryRepo) Discrepancies(_ context.Context, tenantID int64, id uuid.UUID) ([]Discrepancy, error) {
	ibt, ok := m.ibts[id]
	if !ok || ibt.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if ibt.Status != StatusReceived {
		return nil, nil
	}
	var out []Discrepancy
	for _, line := range m.lines {
		if line.IBTID == id && line.QtyShipped != line.QtyReceived {
			out = append(out, Discrepancy{
				LineID:      line.ID,
				ItemID:      line.ItemID,
				BatchNo:     line.BatchNo,
				QtyShipped:  line.QtyShipped,
				QtyReceived: line.QtyReceived,
				QtyLost:     line.QtyShipped - line.QtyReceived,
			})
		}
	}
	return out, nil
}

func (m *memoryRepo) InsertIBT(_ context.Context, ibt IBT) error {
	copied := ibt
	m.ibts[ibt.ID] = &copied
	return nil
}

func (m *memoryRepo) InsertLine(_ context.Context, line Line) error {
	copied := line
	m.lines[line.ID] = &copied
	return nil
}

func (m *memoryRepo) UpdateStatus(_ context.Context, id uuid.UUID, fromVersion int64, status Status) error {
	ibt, ok := m.ibts[id]
	if !ok {
		return ErrNotFound
	}
	if ibt.Version != fromVersion {
		return ErrConcurrentModification
	}
	ibt.Status = status
	ibt.Version++
	return nil
}

func (m *memoryRepo) AddShipped(_ context.Context, lineID uuid.UUID, qty float64) error {
	line, ok := m.lines[lineID]
	if !ok {
		return ErrNotFound
	}
	line.QtyShipped += qty
	return nil
}

func (m *memoryRepo) AddReceived(_ context.Context, lineID uuid.UUID, qty float64, toBinID int64) error {
	line, ok := m.lines[lineID]
	if !ok {
		return ErrNotFound
	}
	line.QtyReceived += qty
	line.ToBinID = &toBinID
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

func createApprovedIBT(t *testing.T, svc *Service) (IBT, []Line) {
	t.Helper()
	ctx := context.Background()
	ibt, err := svc.Create(ctx, CreateInput{
		TenantID:        1,
		FromWarehouseID: 10,
		ToWarehouseID:   20,
		ActorID:         7,
		Lines: []CreateLineInput{
			{ItemID: 500, BatchNo: "B1", FromBinID: 100, QtyRequested: 50},
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Submit(ctx, 1, ibt.ID, 7, ""))
	require.NoError(t, svc.Approve(ctx, 1, ibt.ID, 8, "ok"))
	got, lines, err := svc.Get(ctx, 1, ibt.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, got.Status)
	return got, lines
}

func TestCreateRejectsSameWarehouse(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateInput{
		TenantID: 1, FromWarehouseID: 10, ToWarehouseID: 10, ActorID: 7,
		Lines: []CreateLineInput{{ItemID: 500, FromBinID: 100, QtyRequested: 5}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubmitApproveRecordsHistory(t *testing.T) {
	svc, _, _, ap := newTestService(t)
	createApprovedIBT(t, svc)

	require.Len(t, ap.logs, 2)
	require.Equal(t, shared.ApprovalSubmit, ap.logs[0].Action)
	require.Equal(t, shared.ApprovalApprove, ap.logs[1].Action)
	require.Equal(t, "transfer", ap.logs[0].Module)
}

func TestApproveRequiresPendingApproval(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	ibt, err := svc.Create(ctx, CreateInput{
		TenantID: 1, FromWarehouseID: 10, ToWarehouseID: 20, ActorID: 7,
		Lines: []CreateLineInput{{ItemID: 500, FromBinID: 100, QtyRequested: 5}},
	})
	require.NoError(t, err)

	err = svc.Approve(ctx, 1, ibt.ID, 8, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPartialShipPostsSourceDecrement(t *testing.T) {
	svc, repo, lg, _ := newTestService(t)
	ibt, lines := createApprovedIBT(t, svc)
	ctx := context.Background()

	err := svc.Ship(ctx, 1, ibt.ID, []ShipLineInput{{LineID: lines[0].ID, Qty: 30}}, 7, "ship-1")
	require.NoError(t, err)

	require.Len(t, lg.groups, 1)
	m := lg.groups[0][0]
	require.Equal(t, ledger.ReasonIBTOut, m.Reason)
	require.Equal(t, -30.0, m.QtyChange)
	require.Equal(t, int64(10), m.WarehouseID)
	require.Equal(t, int64(100), m.BinID)

	require.Equal(t, StatusInTransit, repo.ibts[ibt.ID].Status)
	require.Equal(t, 30.0, repo.lines[lines[0].ID].QtyShipped)
}

func TestShipViaPicking(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ibt, lines := createApprovedIBT(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.StartPicking(ctx, 1, ibt.ID, 7))
	require.Equal(t, StatusPicking, repo.ibts[ibt.ID].Status)

	err := svc.Ship(ctx, 1, ibt.ID, []ShipLineInput{{LineID: lines[0].ID, Qty: 50}}, 7, "")
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, repo.ibts[ibt.ID].Status)
}

func TestShipRejectsOverRequested(t *testing.T) {
	svc, _, lg, _ := newTestService(t)
	ibt, lines := createApprovedIBT(t, svc)

	err := svc.Ship(context.Background(), 1, ibt.ID, []ShipLineInput{{LineID: lines[0].ID, Qty: 51}}, 7, "")
	require.ErrorIs(t, err, ErrValidation)
	require.Empty(t, lg.groups)
}

func TestShipRejectsBeforeApproval(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	ibt, err := svc.Create(ctx, CreateInput{
		TenantID: 1, FromWarehouseID: 10, ToWarehouseID: 20, ActorID: 7,
		Lines: []CreateLineInput{{ItemID: 500, FromBinID: 100, QtyRequested: 5}},
	})
	require.NoError(t, err)
	_, lines, err := svc.Get(ctx, 1, ibt.ID)
	require.NoError(t, err)

	err = svc.Ship(ctx, 1, ibt.ID, []ShipLineInput{{LineID: lines[0].ID, Qty: 5}}, 7, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReceiveLandsAtDestination(t *testing.T) {
	svc, repo, lg, _ := newTestService(t)
	ibt, lines := createApprovedIBT(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Ship(ctx, 1, ibt.ID, []ShipLineInput{{LineID: lines[0].ID, Qty: 30}}, 7, ""))
	require.NoError(t, svc.Receive(ctx, 1, ibt.ID, []ReceiveLineInput{{LineID: lines[0].ID, Qty: 30, ToBinID: 200}}, 9, ""))

	require.Len(t, lg.groups, 2)
	in := lg.groups[1][0]
	require.Equal(t, ledger.ReasonIBTIn, in.Reason)
	require.Equal(t, 30.0, in.QtyChange)
	require.Equal(t, int64(20), in.WarehouseID)
	require.Equal(t, int64(200), in.BinID)

	require.Equal(t, StatusReceived, repo.ibts[ibt.ID].Status)

	// full receipt leaves no discrepancy
	ds, err := svc.Discrepancies(ctx, 1, ibt.ID)
	require.NoError(t, err)
	require.Empty(t, ds)
}

func TestReceiveShortfallReportsDiscrepancy(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ibt, lines := createApprovedIBT(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Ship(ctx, 1, ibt.ID, []ShipLineInput{{LineID: lines[0].ID, Qty: 30}}, 7, ""))
	require.NoError(t, svc.Receive(ctx, 1, ibt.ID, []ReceiveLineInput{{LineID: lines[0].ID, Qty: 28, ToBinID: 200}}, 9, ""))

	ds, err := svc.Discrepancies(ctx, 1, ibt.ID)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, 2.0, ds[0].QtyLost)
}

func TestReceiveRejectsMoreThanShipped(t *testing.T) {
	svc, _, lg, _ := newTestService(t)
	ibt, lines := createApprovedIBT(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Ship(ctx, 1, ibt.ID, []ShipLineInput{{LineID: lines[0].ID, Qty: 30}}, 7, ""))
	err := svc.Receive(ctx, 1, ibt.ID, []ReceiveLineInput{{LineID: lines[0].ID, Qty: 31, ToBinID: 200}}, 9, "")
	require.ErrorIs(t, err, ErrValidation)
	require.Len(t, lg.groups, 1)
}

func TestCancelBeforeShipSucceeds(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ibt, _ := createApprovedIBT(t, svc)

	require.NoError(t, svc.Cancel(context.Background(), 1, ibt.ID, 7))
	require.Equal(t, StatusCancelled, repo.ibts[ibt.ID].Status)
}

func TestCancelAfterShipRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ibt, lines := createApprovedIBT(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Ship(ctx, 1, ibt.ID, []ShipLineInput{{LineID: lines[0].ID, Qty: 10}}, 7, ""))
	err := svc.Cancel(ctx, 1, ibt.ID, 7)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConcurrentShipPostsSingleGroup(t *testing.T) {
	svc, repo, lg, _ := newTestService(t)
	ibt, lines := createApprovedIBT(t, svc)
	ctx := context.Background()

	// A second ship slips in between the first one's status read and its
	// transaction, so both pass the APPROVED guard on the same version.
	fired := false
	repo.onGet = func() {
		if fired {
			return
		}
		fired = true
		require.NoError(t, svc.Ship(ctx, 1, ibt.ID, []ShipLineInput{{LineID: lines[0].ID, Qty: 30}}, 7, "ship-a"))
	}

	err := svc.Ship(ctx, 1, ibt.ID, []ShipLineInput{{LineID: lines[0].ID, Qty: 30}}, 8, "ship-b")
	require.ErrorIs(t, err, ErrConcurrentModification)

	// the loser leaves no entries behind and its operation key is free again
	require.Len(t, lg.groups, 1)
	require.Equal(t, []string{"ship-a"}, lg.claims)
	require.Equal(t, 30.0, repo.lines[lines[0].ID].QtyShipped)
	require.Equal(t, StatusInTransit, repo.ibts[ibt.ID].Status)
}

func TestShipLedgerFailureKeepsHeaderApproved(t *testing.T) {
	svc, repo, lg, _ := newTestService(t)
	ibt, lines := createApprovedIBT(t, svc)
	lg.err = ledger.ErrInsufficientStock

	err := svc.Ship(context.Background(), 1, ibt.ID, []ShipLineInput{{LineID: lines[0].ID, Qty: 30}}, 7, "ship-1")
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	require.Equal(t, StatusApproved, repo.ibts[ibt.ID].Status)
	require.Equal(t, 0.0, repo.lines[lines[0].ID].QtyShipped)
	require.Empty(t, lg.claims)
}
