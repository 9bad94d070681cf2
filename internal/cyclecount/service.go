package cyclecount

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

const qtyEpsilon = 1e-6

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, tenantID int64, id uuid.UUID) (CycleCount, []Line, error)
}

// SnapshotPort supplies the stocked snapshots a count freezes its baseline
// from.
type SnapshotPort interface {
	StockedSnapshots(ctx context.Context, tenantID, warehouseID int64) ([]ledger.Snapshot, error)
}

// LedgerPort posts the closing adjustments inside the count's own
// transaction, so a lost close race unwinds the entries with it.
type LedgerPort interface {
	ClaimOperation(ctx context.Context, operationKey string) (bool, error)
	ReleaseOperation(ctx context.Context, operationKey string)
	ApplyMovementsTx(ctx context.Context, tx ledger.TxRepository, movements []ledger.Movement) ([]ledger.Entry, error)
}

// ApprovalPort records approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs cycle counts from baseline freeze to variance settlement.
type Service struct {
	repo      RepositoryPort
	snapshots SnapshotPort
	ledger    LedgerPort
	approvals ApprovalPort
	audit     AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, snapshots SnapshotPort, ledgerSvc LedgerPort, approvals ApprovalPort, audit AuditPort) *Service {
	return &Service{repo: repo, snapshots: snapshots, ledger: ledgerSvc, approvals: approvals, audit: audit}
}

// OpenInput scopes a new count.
type OpenInput struct {
	TenantID    int64
	WarehouseID int64
	// BinID and ItemID optionally narrow the scope; zero means all.
	BinID   int64
	ItemID  int64
	Note    string
	ActorID int64
}

// Open freezes the baseline and creates the count. Stock keeps moving while
// the floor counts; variances are judged against this frozen baseline, and
// drift between freeze and closure shows up in the ledger, not in the count.
func (s *Service) Open(ctx context.Context, input OpenInput) (CycleCount, error) {
	if input.TenantID == 0 || input.WarehouseID == 0 {
		return CycleCount{}, fmt.Errorf("%w: tenant and warehouse required", ErrValidation)
	}

	snaps, err := s.snapshots.StockedSnapshots(ctx, input.TenantID, input.WarehouseID)
	if err != nil {
		return CycleCount{}, err
	}
	var scoped []ledger.Snapshot
	for _, snap := range snaps {
		if input.BinID != 0 && snap.BinID != input.BinID {
			continue
		}
		if input.ItemID != 0 && snap.ItemID != input.ItemID {
			continue
		}
		scoped = append(scoped, snap)
	}
	if len(scoped) == 0 {
		return CycleCount{}, ErrEmptyScope
	}

	count := CycleCount{
		ID:          uuid.New(),
		TenantID:    input.TenantID,
		Number:      generateNumber("CC"),
		WarehouseID: input.WarehouseID,
		BinID:       input.BinID,
		ItemID:      input.ItemID,
		Status:      StatusOpen,
		Version:     1,
		Note:        input.Note,
		CreatedBy:   input.ActorID,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertCount(ctx, count); err != nil {
			return err
		}
		for _, snap := range scoped {
			if err := tx.InsertLine(ctx, Line{
				ID:          uuid.New(),
				CountID:     count.ID,
				BinID:       snap.BinID,
				ItemID:      snap.ItemID,
				BatchNo:     snap.BatchNo,
				ExpiryDate:  snap.ExpiryDate,
				QtySnapshot: snap.QtyOnHand,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return CycleCount{}, err
	}

	s.recordAudit(ctx, input.TenantID, input.ActorID, "OPEN", count.ID, map[string]any{"number": count.Number, "lines": len(scoped)})
	return count, nil
}

// RecordCount captures one counted quantity. The first recording moves the
// header from OPEN to IN_PROGRESS. Recounting a line overwrites the earlier
// figure.
func (s *Service) RecordCount(ctx context.Context, tenantID int64, countID, lineID uuid.UUID, qty float64, actorID int64) error {
	if qty < 0 {
		return fmt.Errorf("%w: counted quantity cannot be negative", ErrValidation)
	}
	count, lines, err := s.repo.Get(ctx, tenantID, countID)
	if err != nil {
		return err
	}
	if !count.Status.CanRecord() {
		return fmt.Errorf("%w: %s cannot record counts", ErrInvalidTransition, count.Status)
	}
	if _, ok := findLine(lines, lineID); !ok {
		return fmt.Errorf("%w: line %s", ErrNotFound, lineID)
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.RecordCount(ctx, lineID, qty, actorID); err != nil {
			return err
		}
		if count.Status == StatusOpen {
			return tx.UpdateStatus(ctx, countID, count.Version, StatusInProgress)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "RECORD", countID, map[string]any{"line_id": lineID.String(), "qty": qty})
	return nil
}

// Submit computes variances and parks the count for approval. Every line
// must be counted first: a blank line is indistinguishable from zero stock,
// so blanks are rejected rather than guessed at.
func (s *Service) Submit(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, note string) error {
	count, lines, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if count.Status != StatusInProgress {
		return fmt.Errorf("%w: %s cannot submit", ErrInvalidTransition, count.Status)
	}
	for _, line := range lines {
		if line.QtyCounted == nil {
			return ErrUncountedLines
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, id, count.Version, StatusPendingApproval)
	})
	if err != nil {
		return err
	}
	s.recordApproval(ctx, id, actorID, shared.ApprovalSubmit, note)
	s.recordAudit(ctx, tenantID, actorID, "SUBMIT", id, nil)
	return nil
}

// Close settles the count: every nonzero variance posts as one ADJUST entry,
// all-or-nothing. A rejected post (stock moved below a negative variance)
// leaves the count PENDING_APPROVAL so the floor can recount.
func (s *Service) Close(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, note, operationKey string) error {
	count, lines, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if count.Status != StatusPendingApproval {
		return fmt.Errorf("%w: %s cannot close", ErrInvalidTransition, count.Status)
	}

	movements := make([]ledger.Movement, 0, len(lines))
	for _, line := range lines {
		if line.QtyCounted == nil {
			return ErrUncountedLines
		}
		delta := *line.QtyCounted - line.QtySnapshot
		if math.Abs(delta) < qtyEpsilon {
			continue
		}
		movements = append(movements, ledger.Movement{
			TenantID:    tenantID,
			WarehouseID: count.WarehouseID,
			BinID:       line.BinID,
			ItemID:      line.ItemID,
			BatchNo:     line.BatchNo,
			ExpiryDate:  line.ExpiryDate,
			Reason:      ledger.ReasonAdjust,
			QtyChange:   delta,
			RefModule:   "cyclecount",
			RefID:       count.ID.String(),
			Note:        "cycle count variance",
			ActorID:     actorID,
		})
	}
	claimed, err := s.ledger.ClaimOperation(ctx, operationKey)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// The version check goes first: a concurrent close loses here
		// before any adjustment has posted, keeping CLOSED terminal.
		if err := tx.UpdateStatus(ctx, id, count.Version, StatusClosed); err != nil {
			return err
		}
		if len(movements) == 0 {
			return nil
		}
		_, err := s.ledger.ApplyMovementsTx(ctx, tx.Ledger(), movements)
		return err
	})
	if err != nil {
		if claimed {
			s.ledger.ReleaseOperation(ctx, operationKey)
		}
		return err
	}
	s.recordApproval(ctx, id, actorID, shared.ApprovalApprove, note)
	s.recordAudit(ctx, tenantID, actorID, "CLOSE", id, map[string]any{"adjustments": len(movements)})
	return nil
}

// Cancel abandons an unsubmitted count. Nothing posted, nothing to unwind.
func (s *Service) Cancel(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64) error {
	count, _, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !count.Status.CanCancel() {
		return fmt.Errorf("%w: %s cannot cancel", ErrInvalidTransition, count.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, id, count.Version, StatusCancelled)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "CANCEL", id, nil)
	return nil
}

// Get loads a count with lines.
func (s *Service) Get(ctx context.Context, tenantID int64, id uuid.UUID) (CycleCount, []Line, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// Variances lists the deltas the count would (or did) settle.
func (s *Service) Variances(ctx context.Context, tenantID int64, id uuid.UUID) ([]Variance, error) {
	_, lines, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	var out []Variance
	for _, line := range lines {
		if line.QtyCounted == nil {
			continue
		}
		delta := *line.QtyCounted - line.QtySnapshot
		if math.Abs(delta) < qtyEpsilon {
			continue
		}
		out = append(out, Variance{
			LineID:      line.ID,
			BinID:       line.BinID,
			ItemID:      line.ItemID,
			BatchNo:     line.BatchNo,
			QtySnapshot: line.QtySnapshot,
			QtyCounted:  *line.QtyCounted,
			Delta:       delta,
		})
	}
	return out, nil
}

func (s *Service) recordApproval(ctx context.Context, id uuid.UUID, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	_ = s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  "cyclecount",
		RefID:   id,
		ActorID: actorID,
		Action:  action,
		Note:    note,
	})
}

func (s *Service) recordAudit(ctx context.Context, tenantID, actorID int64, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   fmt.Sprintf("cyclecount:%s", action),
		Entity:   "cycle_count",
		EntityID: id.String(),
		Meta:     meta,
	})
}

func findLine(lines []Line, id uuid.UUID) (Line, bool) {
	for _, line := range lines {
		if line.ID == id {
			return line, true
		}
	}
	return Line{}, false
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, time.Now().UTC().Format("20060102"), rand.Intn(10000))
}
