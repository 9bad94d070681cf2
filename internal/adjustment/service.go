package adjustment

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
	Get(ctx context.Context, tenantID int64, id uuid.UUID) (Adjustment, []Line, error)
}

// LedgerPort posts the adjustment entries inside the document's own
// transaction, so a lost post race unwinds the entries with it.
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

// Service runs the adjustment workflow.
type Service struct {
	repo      RepositoryPort
	ledger    LedgerPort
	approvals ApprovalPort
	audit     AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledgerSvc LedgerPort, approvals ApprovalPort, audit AuditPort) *Service {
	return &Service{repo: repo, ledger: ledgerSvc, approvals: approvals, audit: audit}
}

// CreateInput describes a new adjustment with its lines.
type CreateInput struct {
	TenantID    int64
	WarehouseID int64
	Note        string
	ActorID     int64
	Lines       []CreateLineInput
}

// CreateLineInput is one correction target.
type CreateLineInput struct {
	BinID      int64
	ItemID     int64
	BatchNo    string
	ExpiryDate *time.Time
	QtyDelta   float64
	Reason     string
}

// Create opens an adjustment in DRAFT.
func (s *Service) Create(ctx context.Context, input CreateInput) (Adjustment, error) {
	if input.TenantID == 0 || input.WarehouseID == 0 {
		return Adjustment{}, fmt.Errorf("%w: tenant and warehouse required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return Adjustment{}, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	for _, line := range input.Lines {
		if line.BinID == 0 || line.ItemID == 0 {
			return Adjustment{}, fmt.Errorf("%w: line needs bin and item", ErrValidation)
		}
		if math.Abs(line.QtyDelta) < qtyEpsilon {
			return Adjustment{}, fmt.Errorf("%w: delta must be non zero", ErrValidation)
		}
		if line.Reason == "" {
			return Adjustment{}, fmt.Errorf("%w: reason is mandatory", ErrValidation)
		}
	}

	adj := Adjustment{
		ID:          uuid.New(),
		TenantID:    input.TenantID,
		Number:      generateNumber("ADJ"),
		WarehouseID: input.WarehouseID,
		Status:      StatusDraft,
		Version:     1,
		Note:        input.Note,
		CreatedBy:   input.ActorID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertAdjustment(ctx, adj); err != nil {
			return err
		}
		for _, line := range input.Lines {
			if err := tx.InsertLine(ctx, Line{
				ID:         uuid.New(),
				AdjID:      adj.ID,
				BinID:      line.BinID,
				ItemID:     line.ItemID,
				BatchNo:    line.BatchNo,
				ExpiryDate: line.ExpiryDate,
				QtyDelta:   line.QtyDelta,
				Reason:     line.Reason,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}

	s.recordAudit(ctx, input.TenantID, input.ActorID, "CREATE", adj.ID, map[string]any{"number": adj.Number, "lines": len(input.Lines)})
	return adj, nil
}

// Submit puts the adjustment in front of an approver.
func (s *Service) Submit(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, note string) error {
	adj, lines, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if adj.Status != StatusDraft {
		return fmt.Errorf("%w: %s cannot submit", ErrInvalidTransition, adj.Status)
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: cannot submit without lines", ErrValidation)
	}
	if err := s.transition(ctx, id, adj.Version, StatusSubmitted); err != nil {
		return err
	}
	s.recordApproval(ctx, id, actorID, shared.ApprovalSubmit, note)
	s.recordAudit(ctx, tenantID, actorID, "SUBMIT", id, nil)
	return nil
}

// Approve authorizes the correction. No stock moves until post.
func (s *Service) Approve(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, note string) error {
	adj, _, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if adj.Status != StatusSubmitted {
		return fmt.Errorf("%w: %s cannot approve", ErrInvalidTransition, adj.Status)
	}
	if err := s.transition(ctx, id, adj.Version, StatusApproved); err != nil {
		return err
	}
	s.recordApproval(ctx, id, actorID, shared.ApprovalApprove, note)
	s.recordAudit(ctx, tenantID, actorID, "APPROVE", id, nil)
	return nil
}

// Reject sends a submitted adjustment back. Terminal; a correction attempt
// starts over as a fresh document.
func (s *Service) Reject(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, note string) error {
	adj, _, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if adj.Status != StatusSubmitted {
		return fmt.Errorf("%w: %s cannot reject", ErrInvalidTransition, adj.Status)
	}
	if err := s.transition(ctx, id, adj.Version, StatusRejected); err != nil {
		return err
	}
	s.recordApproval(ctx, id, actorID, shared.ApprovalReject, note)
	s.recordAudit(ctx, tenantID, actorID, "REJECT", id, nil)
	return nil
}

// Post applies every line as an ADJUST ledger entry in one all-or-nothing
// group. A line that would drive on-hand negative rejects the whole post and
// the adjustment stays APPROVED for another try.
func (s *Service) Post(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, operationKey string) error {
	adj, lines, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if adj.Status != StatusApproved {
		return fmt.Errorf("%w: %s cannot post", ErrInvalidTransition, adj.Status)
	}

	movements := make([]ledger.Movement, 0, len(lines))
	for _, line := range lines {
		movements = append(movements, ledger.Movement{
			TenantID:    tenantID,
			WarehouseID: adj.WarehouseID,
			BinID:       line.BinID,
			ItemID:      line.ItemID,
			BatchNo:     line.BatchNo,
			ExpiryDate:  line.ExpiryDate,
			Reason:      ledger.ReasonAdjust,
			QtyChange:   line.QtyDelta,
			RefModule:   "adjustment",
			RefID:       adj.ID.String(),
			Note:        line.Reason,
			ActorID:     actorID,
		})
	}
	claimed, err := s.ledger.ClaimOperation(ctx, operationKey)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// The version check goes first: a concurrent post loses here
		// before any entry lands, so a POSTED document posts exactly once.
		if err := tx.UpdateStatus(ctx, id, adj.Version, StatusPosted); err != nil {
			return err
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
	s.recordAudit(ctx, tenantID, actorID, "POST", id, map[string]any{"lines": len(movements)})
	return nil
}

// Get loads an adjustment with lines.
func (s *Service) Get(ctx context.Context, tenantID int64, id uuid.UUID) (Adjustment, []Line, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, fromVersion int64, to Status) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, id, fromVersion, to)
	})
}

func (s *Service) recordApproval(ctx context.Context, id uuid.UUID, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	_ = s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  "adjustment",
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
		Action:   fmt.Sprintf("adjustment:%s", action),
		Entity:   "adjustment",
		EntityID: id.String(),
		Meta:     meta,
	})
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, time.Now().UTC().Format("20060102"), rand.Intn(10000))
}
