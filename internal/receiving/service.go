package receiving

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
	GetGRN(ctx context.Context, tenantID int64, id uuid.UUID) (GRN, []GRNLine, error)
	GetPutaway(ctx context.Context, tenantID int64, id uuid.UUID) (PutawayTask, error)
	ListPutaways(ctx context.Context, tenantID int64, grnID uuid.UUID) ([]PutawayTask, error)
}

// LedgerPort is the slice of the ledger service receipts and putaways post
// through. Receiving never touches snapshot tables itself; posting happens
// inside the GRN's own transaction so workflow rows and entries commit
// together.
type LedgerPort interface {
	ClaimOperation(ctx context.Context, operationKey string) (bool, error)
	ReleaseOperation(ctx context.Context, operationKey string)
	ApplyMovementsTx(ctx context.Context, tx ledger.TxRepository, movements []ledger.Movement) ([]ledger.Entry, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the receiving workflow: GRN headers, line receipts into the
// receiving bin, and putaway tasks that move stock to storage bins.
type Service struct {
	repo   RepositoryPort
	ledger LedgerPort
	audit  AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledgerSvc LedgerPort, audit AuditPort) *Service {
	return &Service{repo: repo, ledger: ledgerSvc, audit: audit}
}

// CreateInput describes a new GRN with its expected lines.
type CreateInput struct {
	TenantID       int64
	WarehouseID    int64
	ReceivingBinID int64
	SupplierRef    string
	Note           string
	ActorID        int64
	Lines          []CreateLineInput
}

// CreateLineInput is one expected line.
type CreateLineInput struct {
	ItemID      int64
	BatchNo     string
	ExpiryDate  *time.Time
	QtyExpected float64
}

// ReceiveInput posts one receipt against a line.
type ReceiveInput struct {
	TenantID     int64
	GRNID        uuid.UUID
	LineID       uuid.UUID
	Qty          float64
	BatchNo      string
	ExpiryDate   *time.Time
	ActorID      int64
	OperationKey string
}

// Create opens a GRN in DRAFT with at least one expected line.
func (s *Service) Create(ctx context.Context, input CreateInput) (GRN, error) {
	if input.TenantID == 0 || input.WarehouseID == 0 || input.ReceivingBinID == 0 {
		return GRN{}, fmt.Errorf("%w: tenant, warehouse and receiving bin required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return GRN{}, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	for _, line := range input.Lines {
		if line.ItemID == 0 || line.QtyExpected <= qtyEpsilon {
			return GRN{}, fmt.Errorf("%w: line needs item and positive expected quantity", ErrValidation)
		}
	}

	grn := GRN{
		ID:             uuid.New(),
		TenantID:       input.TenantID,
		Number:         generateNumber("GRN"),
		WarehouseID:    input.WarehouseID,
		ReceivingBinID: input.ReceivingBinID,
		SupplierRef:    input.SupplierRef,
		Status:         GRNStatusDraft,
		Version:        1,
		Note:           input.Note,
		CreatedBy:      input.ActorID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertGRN(ctx, grn); err != nil {
			return err
		}
		for _, line := range input.Lines {
			if err := tx.InsertLine(ctx, GRNLine{
				ID:          uuid.New(),
				GRNID:       grn.ID,
				ItemID:      line.ItemID,
				BatchNo:     line.BatchNo,
				ExpiryDate:  line.ExpiryDate,
				QtyExpected: line.QtyExpected,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return GRN{}, err
	}

	s.recordAudit(ctx, input.TenantID, input.ActorID, "CREATE", grn.ID, map[string]any{"number": grn.Number, "lines": len(input.Lines)})
	return grn, nil
}

// Open moves a DRAFT GRN to OPEN so receipts may post.
func (s *Service) Open(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64) error {
	grn, _, err := s.repo.GetGRN(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if grn.Status != GRNStatusDraft {
		return fmt.Errorf("%w: %s cannot open", ErrInvalidTransition, grn.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateGRNStatus(ctx, id, grn.Version, GRNStatusOpen)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "OPEN", id, nil)
	return nil
}

// ReceiveLine posts one receipt: a RECEIVE ledger movement into the receiving
// bin, a quantity bump on the line, a PENDING putaway task, and a header
// recompute. Everything shares one transaction, so a receipt that loses a
// header race leaves no stock behind.
func (s *Service) ReceiveLine(ctx context.Context, input ReceiveInput) (PutawayTask, error) {
	if input.Qty <= qtyEpsilon {
		return PutawayTask{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	grn, lines, err := s.repo.GetGRN(ctx, input.TenantID, input.GRNID)
	if err != nil {
		return PutawayTask{}, err
	}
	if !grn.Status.CanReceive() {
		return PutawayTask{}, fmt.Errorf("%w: %s cannot receive", ErrInvalidTransition, grn.Status)
	}
	line, ok := findLine(lines, input.LineID)
	if !ok {
		return PutawayTask{}, fmt.Errorf("%w: line %s", ErrNotFound, input.LineID)
	}

	batchNo := line.BatchNo
	if input.BatchNo != "" {
		batchNo = input.BatchNo
	}
	expiry := line.ExpiryDate
	if input.ExpiryDate != nil {
		expiry = input.ExpiryDate
	}

	movement := ledger.Movement{
		TenantID:    input.TenantID,
		WarehouseID: grn.WarehouseID,
		BinID:       grn.ReceivingBinID,
		ItemID:      line.ItemID,
		BatchNo:     batchNo,
		ExpiryDate:  expiry,
		Reason:      ledger.ReasonReceive,
		QtyChange:   input.Qty,
		RefModule:   "receiving",
		RefID:       grn.ID.String(),
		ActorID:     input.ActorID,
	}
	task := PutawayTask{
		ID:          uuid.New(),
		TenantID:    input.TenantID,
		GRNID:       grn.ID,
		GRNLineID:   line.ID,
		WarehouseID: grn.WarehouseID,
		FromBinID:   grn.ReceivingBinID,
		ItemID:      line.ItemID,
		BatchNo:     batchNo,
		ExpiryDate:  expiry,
		Qty:         input.Qty,
		Status:      PutawayPending,
	}
	claimed, err := s.ledger.ClaimOperation(ctx, input.OperationKey)
	if err != nil {
		return PutawayTask{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// The header transition goes first so a receipt that loses the
		// version race fails before any stock has posted.
		next := nextReceiveStatus(grn.Status, lines, line.ID, input.Qty)
		if next != grn.Status {
			if err := tx.UpdateGRNStatus(ctx, grn.ID, grn.Version, next); err != nil {
				return err
			}
		}
		if _, err := s.ledger.ApplyMovementsTx(ctx, tx.Ledger(), []ledger.Movement{movement}); err != nil {
			return err
		}
		if err := tx.AddReceived(ctx, line.ID, input.Qty, input.BatchNo); err != nil {
			return err
		}
		return tx.InsertPutaway(ctx, task)
	})
	if err != nil {
		if claimed {
			s.ledger.ReleaseOperation(ctx, input.OperationKey)
		}
		return PutawayTask{}, err
	}

	s.recordAudit(ctx, input.TenantID, input.ActorID, "RECEIVE_LINE", grn.ID, map[string]any{
		"line_id": line.ID.String(),
		"qty":     input.Qty,
	})
	return task, nil
}

// Complete explicitly closes the GRN. Partial completion is legal: whatever
// never arrived simply stays unreceived.
func (s *Service) Complete(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64) error {
	grn, _, err := s.repo.GetGRN(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !grn.Status.CanComplete() {
		return fmt.Errorf("%w: %s cannot complete", ErrInvalidTransition, grn.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateGRNStatus(ctx, id, grn.Version, GRNStatusComplete)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "COMPLETE", id, nil)
	return nil
}

// Cancel aborts a GRN that never posted a receipt. Once any line received
// stock the ledger entries stand and the GRN can only be completed.
func (s *Service) Cancel(ctx context.Context, tenantID int64, id uuid.UUID, actorID int64) error {
	grn, lines, err := s.repo.GetGRN(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if grn.Status == GRNStatusComplete || grn.Status == GRNStatusCancelled {
		return fmt.Errorf("%w: %s cannot cancel", ErrInvalidTransition, grn.Status)
	}
	for _, line := range lines {
		if line.QtyReceived > qtyEpsilon {
			return ErrHasReceipts
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateGRNStatus(ctx, id, grn.Version, GRNStatusCancelled)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "CANCEL", id, nil)
	return nil
}

// Get loads a GRN with lines.
func (s *Service) Get(ctx context.Context, tenantID int64, id uuid.UUID) (GRN, []GRNLine, error) {
	return s.repo.GetGRN(ctx, tenantID, id)
}

// Putaways lists a GRN's putaway tasks.
func (s *Service) Putaways(ctx context.Context, tenantID int64, grnID uuid.UUID) ([]PutawayTask, error) {
	return s.repo.ListPutaways(ctx, tenantID, grnID)
}

// AssignPutaway hands a pending task to a worker and fixes its target bin.
func (s *Service) AssignPutaway(ctx context.Context, tenantID int64, taskID uuid.UUID, assigneeID, toBinID int64, actorID int64) error {
	if toBinID == 0 {
		return fmt.Errorf("%w: target bin required", ErrValidation)
	}
	task, err := s.repo.GetPutaway(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	if task.Status != PutawayPending && task.Status != PutawayAssigned {
		return fmt.Errorf("%w: putaway %s cannot be assigned", ErrInvalidTransition, task.Status)
	}
	if toBinID == task.FromBinID {
		return fmt.Errorf("%w: target bin equals receiving bin", ErrValidation)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePutawayStatus(ctx, taskID, []PutawayStatus{PutawayPending, PutawayAssigned}, PutawayAssigned, assigneeID, &toBinID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "ASSIGN_PUTAWAY", taskID, map[string]any{"to_bin_id": toBinID, "assignee": assigneeID})
	return nil
}

// CompletePutaway moves the task's quantity from the receiving bin to the
// target bin as one all-or-nothing TRANSFER pair, then closes the task.
func (s *Service) CompletePutaway(ctx context.Context, tenantID int64, taskID uuid.UUID, actorID int64, operationKey string) error {
	task, err := s.repo.GetPutaway(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	if task.Status != PutawayAssigned {
		return fmt.Errorf("%w: putaway %s cannot complete", ErrInvalidTransition, task.Status)
	}
	if task.ToBinID == nil || *task.ToBinID == 0 {
		return fmt.Errorf("%w: target bin not set", ErrValidation)
	}

	out := ledger.Movement{
		TenantID:    tenantID,
		WarehouseID: task.WarehouseID,
		BinID:       task.FromBinID,
		ItemID:      task.ItemID,
		BatchNo:     task.BatchNo,
		ExpiryDate:  task.ExpiryDate,
		Reason:      ledger.ReasonTransfer,
		QtyChange:   -task.Qty,
		RefModule:   "receiving",
		RefID:       task.GRNID.String(),
		ActorID:     actorID,
	}
	in := out
	in.BinID = *task.ToBinID
	in.QtyChange = task.Qty

	claimed, err := s.ledger.ClaimOperation(ctx, operationKey)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// The task transition goes first: a concurrent completion loses
		// here before the transfer pair posts, so the pair posts once.
		if err := tx.UpdatePutawayStatus(ctx, taskID, []PutawayStatus{PutawayAssigned}, PutawayComplete, 0, nil); err != nil {
			return err
		}
		_, err := s.ledger.ApplyMovementsTx(ctx, tx.Ledger(), []ledger.Movement{out, in})
		return err
	})
	if err != nil {
		if claimed {
			s.ledger.ReleaseOperation(ctx, operationKey)
		}
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "COMPLETE_PUTAWAY", taskID, map[string]any{"qty": task.Qty})
	return nil
}

// CancelPutaway abandons a task before completion. Stock stays in the
// receiving bin; a fresh task can be cut later.
func (s *Service) CancelPutaway(ctx context.Context, tenantID int64, taskID uuid.UUID, actorID int64) error {
	task, err := s.repo.GetPutaway(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	if task.Status != PutawayPending && task.Status != PutawayAssigned {
		return fmt.Errorf("%w: putaway %s cannot cancel", ErrInvalidTransition, task.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePutawayStatus(ctx, taskID, []PutawayStatus{PutawayPending, PutawayAssigned}, PutawayCancelled, 0, nil)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "CANCEL_PUTAWAY", taskID, nil)
	return nil
}

// nextReceiveStatus recomputes the header after a receipt of qty on lineID.
func nextReceiveStatus(current GRNStatus, lines []GRNLine, lineID uuid.UUID, qty float64) GRNStatus {
	allFull := true
	for _, line := range lines {
		received := line.QtyReceived
		if line.ID == lineID {
			received += qty
		}
		if received+qtyEpsilon < line.QtyExpected {
			allFull = false
			break
		}
	}
	if allFull {
		return GRNStatusReceived
	}
	if current == GRNStatusOpen {
		return GRNStatusPartial
	}
	return current
}

func findLine(lines []GRNLine, id uuid.UUID) (GRNLine, bool) {
	for _, line := range lines {
		if line.ID == id {
			return line, true
		}
	}
	return GRNLine{}, false
}

func (s *Service) recordAudit(ctx context.Context, tenantID, actorID int64, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   fmt.Sprintf("receiving:%s", action),
		Entity:   "grn",
		EntityID: id.String(),
		Meta:     meta,
	})
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, time.Now().UTC().Format("20060102"), rand.Intn(10000))
}
