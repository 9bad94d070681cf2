package transfer

import (
	"context"
	"fmt"
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
	Get(ctx context.Context, tenantID int64, id uuid.UUID) (IBT, []Line, error)
	Discrepancies(ctx context.Context, tenantID int64, id uuid.UUID) ([]Discrepancy, error)
}

// LedgerPort is the slice of the ledger service ship and receive post
// through. Posting happens inside the transfer's own transaction so a lost
// header version check unwinds the stock entries with it.
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

// Service runs the inter-branch transfer workflow.
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

// CreateInput describes a new transfer with its requested lines.
type CreateInput struct {
	TenantID        int64
	FromWarehouseID int64
	ToWarehouseID   int64
	Note            string
	ActorID         int64
	Lines           []CreateLineInput
}

// CreateLineInput is one requested position.
type CreateLineInput struct {
	ItemID       int64
	BatchNo      string
	ExpiryDate   *time.Time
	FromBinID    int64
	QtyRequested float64
}

// ShipLineInput is one shipped quantity.
type ShipLineInput struct {
	LineID uuid.UUID
	Qty    float64
}

// ReceiveLineInput is one received quantity landing in a destination bin.
type ReceiveLineInput struct {
	LineID  uuid.UUID
	Qty     float64
	ToBinID int64
}

// Create opens a transfer in DRAFT.
func (s *Service) Create(ctx context.Context, input CreateInput) (IBT, error) {
	if input.TenantID == 0 || input.FromWarehouseID == 0 || input.ToWarehouseID == 0 {
		return IBT{}, fmt.Errorf("%w: tenant and both warehouses required", ErrValidation)
	}
	if input.FromWarehouseID == input.ToWarehouseID {
		return IBT{}, fmt.Errorf("%w: source and destination warehouse must differ", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return IBT{}, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	for _, line := range input.Lines {
		if line.ItemID == 0 || line.FromBinID == 0 || line.QtyRequested <= qtyEpsilon {
			return IBT{}, fmt.Errorf("%w: line needs item, source bin and positive quantity", ErrValidation)
		}
	}

	ibt := IBT{
		ID:              uuid.New(),
		TenantID:        input.TenantID,
		Number:          generateNumber("IBT"),
		FromWarehouseID: input.FromWarehouseID,
		ToWarehouseID:   input.ToWarehouseID,
		Status:          StatusDraft,
		Version:         1,
		Note:            input.Note,
		CreatedBy:       input.ActorID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertIBT(ctx, ibt); err != nil {
			return err
		}
		for _, line := range input.Lines {
			if err := tx.InsertLine(ctx, Line{
				ID:           uuid.New(),
				IBTID:        ibt.ID,
				ItemID:       line.ItemID,
				BatchNo:      line.BatchNo,
				ExpiryDate:   line.ExpiryDate,
				FromBinID:    line.FromBinID,
				QtyRequested: line.QtyRequested,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return IBT{}, err
	}

	s.recordAudit(ctx, input.TenantID, input.ActorID, "CREATE", ibt.ID, map[string]any{"number": ibt.Number, "lines": len(input.Lines)})
	return ibt, nil
}

// Submit puts a DRAFT transfer in front of an approver.
func (s *Service) Submit(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, note string) error {
	ibt, lines, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if ibt.Status != StatusDraft {
		return fmt.Errorf("%w: %s cannot submit", ErrInvalidTransition, ibt.Status)
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: cannot submit without lines", ErrValidation)
	}
	if err := s.transition(ctx, id, ibt.Version, StatusPendingApproval); err != nil {
		return err
	}
	s.recordApproval(ctx, id, actorID, shared.ApprovalSubmit, note)
	s.recordAudit(ctx, tenantID, actorID, "SUBMIT", id, nil)
	return nil
}

// Approve authorizes the transfer. No stock moves here.
func (s *Service) Approve(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64, note string) error {
	ibt, _, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if ibt.Status != StatusPendingApproval {
		return fmt.Errorf("%w: %s cannot approve", ErrInvalidTransition, ibt.Status)
	}
	if err := s.transition(ctx, id, ibt.Version, StatusApproved); err != nil {
		return err
	}
	s.recordApproval(ctx, id, actorID, shared.ApprovalApprove, note)
	s.recordAudit(ctx, tenantID, actorID, "APPROVE", id, nil)
	return nil
}

// StartPicking is advisory: it marks the warehouse floor as working the
// transfer but changes no quantities.
func (s *Service) StartPicking(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64) error {
	ibt, _, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if ibt.Status != StatusApproved {
		return fmt.Errorf("%w: %s cannot start picking", ErrInvalidTransition, ibt.Status)
	}
	if err := s.transition(ctx, id, ibt.Version, StatusPicking); err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "START_PICKING", id, nil)
	return nil
}

// Ship posts IBT_OUT at the source warehouse for each shipped quantity, the
// only point source stock decrements. Partial ship is legal: the shortfall
// simply never travels. All entries post or none do.
func (s *Service) Ship(ctx context.Context, tenantID int64, id uuid.UUID, shipments []ShipLineInput, actorID int64, operationKey string) error {
	if len(shipments) == 0 {
		return fmt.Errorf("%w: nothing to ship", ErrValidation)
	}
	ibt, lines, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !ibt.Status.CanShip() {
		return fmt.Errorf("%w: %s cannot ship", ErrInvalidTransition, ibt.Status)
	}

	byID := indexLines(lines)
	movements := make([]ledger.Movement, 0, len(shipments))
	for _, sh := range shipments {
		line, ok := byID[sh.LineID]
		if !ok {
			return fmt.Errorf("%w: line %s", ErrNotFound, sh.LineID)
		}
		if sh.Qty <= qtyEpsilon {
			return fmt.Errorf("%w: shipped quantity must be positive", ErrValidation)
		}
		if line.QtyShipped+sh.Qty > line.QtyRequested+qtyEpsilon {
			return fmt.Errorf("%w: line %s ships %.4f of %.4f requested", ErrValidation, sh.LineID, line.QtyShipped+sh.Qty, line.QtyRequested)
		}
		movements = append(movements, ledger.Movement{
			TenantID:    tenantID,
			WarehouseID: ibt.FromWarehouseID,
			BinID:       line.FromBinID,
			ItemID:      line.ItemID,
			BatchNo:     line.BatchNo,
			ExpiryDate:  line.ExpiryDate,
			Reason:      ledger.ReasonIBTOut,
			QtyChange:   -sh.Qty,
			RefModule:   "transfer",
			RefID:       ibt.ID.String(),
			ActorID:     actorID,
		})
	}
	claimed, err := s.ledger.ClaimOperation(ctx, operationKey)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// The version check goes first: the loser of a concurrent ship
		// fails here before any stock has moved.
		if err := tx.UpdateStatus(ctx, id, ibt.Version, StatusInTransit); err != nil {
			return err
		}
		if _, err := s.ledger.ApplyMovementsTx(ctx, tx.Ledger(), movements); err != nil {
			return err
		}
		for _, sh := range shipments {
			if err := tx.AddShipped(ctx, sh.LineID, sh.Qty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if claimed {
			s.ledger.ReleaseOperation(ctx, operationKey)
		}
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "SHIP", id, map[string]any{"lines": len(shipments)})
	return nil
}

// Receive posts IBT_IN at the destination bins. qtyReceived may fall short of
// qtyShipped; the shortfall stays on record as a transit discrepancy instead
// of being auto-corrected.
func (s *Service) Receive(ctx context.Context, tenantID int64, id uuid.UUID, receipts []ReceiveLineInput, actorID int64, operationKey string) error {
	if len(receipts) == 0 {
		return fmt.Errorf("%w: nothing to receive", ErrValidation)
	}
	ibt, lines, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if ibt.Status != StatusInTransit {
		return fmt.Errorf("%w: %s cannot receive", ErrInvalidTransition, ibt.Status)
	}

	byID := indexLines(lines)
	movements := make([]ledger.Movement, 0, len(receipts))
	for _, rc := range receipts {
		line, ok := byID[rc.LineID]
		if !ok {
			return fmt.Errorf("%w: line %s", ErrNotFound, rc.LineID)
		}
		if rc.Qty <= qtyEpsilon || rc.ToBinID == 0 {
			return fmt.Errorf("%w: receipt needs positive quantity and destination bin", ErrValidation)
		}
		if line.QtyReceived+rc.Qty > line.QtyShipped+qtyEpsilon {
			return fmt.Errorf("%w: line %s receives %.4f of %.4f shipped", ErrValidation, rc.LineID, line.QtyReceived+rc.Qty, line.QtyShipped)
		}
		movements = append(movements, ledger.Movement{
			TenantID:    tenantID,
			WarehouseID: ibt.ToWarehouseID,
			BinID:       rc.ToBinID,
			ItemID:      line.ItemID,
			BatchNo:     line.BatchNo,
			ExpiryDate:  line.ExpiryDate,
			Reason:      ledger.ReasonIBTIn,
			QtyChange:   rc.Qty,
			RefModule:   "transfer",
			RefID:       ibt.ID.String(),
			ActorID:     actorID,
		})
	}
	claimed, err := s.ledger.ClaimOperation(ctx, operationKey)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, id, ibt.Version, StatusReceived); err != nil {
			return err
		}
		if _, err := s.ledger.ApplyMovementsTx(ctx, tx.Ledger(), movements); err != nil {
			return err
		}
		for _, rc := range receipts {
			if err := tx.AddReceived(ctx, rc.LineID, rc.Qty, rc.ToBinID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if claimed {
			s.ledger.ReleaseOperation(ctx, operationKey)
		}
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "RECEIVE", id, map[string]any{"lines": len(receipts)})
	return nil
}

// Cancel aborts a transfer nothing has shipped from. The guard is the status
// machine itself: IN_TRANSIT and later refuse.
func (s *Service) Cancel(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64) error {
	ibt, _, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !ibt.Status.CanCancel() {
		return fmt.Errorf("%w: %s cannot cancel", ErrInvalidTransition, ibt.Status)
	}
	if err := s.transition(ctx, id, ibt.Version, StatusCancelled); err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "CANCEL", id, nil)
	return nil
}

// Get loads a transfer with lines.
func (s *Service) Get(ctx context.Context, tenantID int64, id uuid.UUID) (IBT, []Line, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// Discrepancies reports lines whose receipt fell short of the shipment.
func (s *Service) Discrepancies(ctx context.Context, tenantID int64, id uuid.UUID) ([]Discrepancy, error) {
	return s.repo.Discrepancies(ctx, tenantID, id)
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
		Module:  "transfer",
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
		Action:   fmt.Sprintf("transfer:%s", action),
		Entity:   "ibt",
		EntityID: id.String(),
		Meta:     meta,
	})
}

func indexLines(lines []Line) map[uuid.UUID]Line {
	byID := make(map[uuid.UUID]Line, len(lines))
	for _, line := range lines {
		byID[line.ID] = line
	}
	return byID
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, time.Now().UTC().Format("20060102"), rand.Intn(10000))
}
