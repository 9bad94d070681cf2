package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meridian-wms/meridian-wms/internal/batch"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Quantities are compared with a tolerance since they travel as float64.
const qtyEpsilon = 1e-6

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	SnapshotsForItem(ctx context.Context, tenantID, itemID, warehouseID int64) ([]Snapshot, error)
	Available(ctx context.Context, tenantID, itemID, warehouseID int64) (float64, error)
	Entries(ctx context.Context, filter EntryFilter) ([]Entry, error)
	StockedSnapshots(ctx context.Context, tenantID, warehouseID int64) ([]Snapshot, error)
	WarehouseScopes(ctx context.Context) ([]Scope, error)
	CheckIntegrity(ctx context.Context) ([]IntegrityDrift, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort records movement metrics.
type MetricsPort interface {
	ObserveMovement(reason string)
}

// Service owns the stock ledger write path. It is the only component that
// changes on-hand quantities; workflows call it, never the tables directly.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	metrics     MetricsPort
	cache       *redis.Client
	alertTTL    time.Duration
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AlertCacheTTL time.Duration
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, metrics MetricsPort, cache *redis.Client, cfg ServiceConfig) *Service {
	ttl := cfg.AlertCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, metrics: metrics, cache: cache, alertTTL: ttl}
}

// ApplyMovement applies one stock change on a single snapshot key. The
// snapshot update and ledger append share one serializable transaction, so
// concurrent movements on the same key serialize and exactly one of two
// overdrawing writers fails.
func (s *Service) ApplyMovement(ctx context.Context, m Movement) (Entry, error) {
	if err := validateMovement(m); err != nil {
		return Entry{}, err
	}

	claimed, err := s.ClaimOperation(ctx, m.OperationKey)
	if err != nil {
		return Entry{}, err
	}

	var entry Entry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = s.applyOne(ctx, tx, m)
		return err
	})
	if err != nil {
		if claimed {
			s.ReleaseOperation(ctx, m.OperationKey)
		}
		return Entry{}, err
	}

	s.observe(ctx, m.TenantID, m.ActorID, []Entry{entry})
	return entry, nil
}

// ApplyMovements applies a group of movements all-or-nothing: either every
// ledger entry posts or none does. Keys are locked in sorted order so two
// overlapping groups cannot deadlock. operationKey guards the whole group
// against duplicate replay.
func (s *Service) ApplyMovements(ctx context.Context, operationKey string, movements []Movement) ([]Entry, error) {
	if len(movements) == 0 {
		return nil, fmt.Errorf("%w: no movements", ErrInvalidMovement)
	}
	for _, m := range movements {
		if err := validateMovement(m); err != nil {
			return nil, err
		}
	}

	claimed, err := s.ClaimOperation(ctx, operationKey)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entries, err = s.applyGroup(ctx, tx, movements)
		return err
	})
	if err != nil {
		if claimed {
			s.ReleaseOperation(ctx, operationKey)
		}
		return nil, err
	}

	s.observe(ctx, movements[0].TenantID, movements[0].ActorID, entries)
	return entries, nil
}

// ApplyMovementsTx posts a movement group inside a transaction the caller
// owns, so a workflow commits its own status transition and the stock effect
// together and the loser of a header version check leaves no entries behind.
// Validation, lock ordering and balance guards match ApplyMovements. The
// operation key is claimed by the caller through ClaimOperation, since only
// the caller knows whether its transaction commits.
func (s *Service) ApplyMovementsTx(ctx context.Context, tx TxRepository, movements []Movement) ([]Entry, error) {
	if len(movements) == 0 {
		return nil, fmt.Errorf("%w: no movements", ErrInvalidMovement)
	}
	for _, m := range movements {
		if err := validateMovement(m); err != nil {
			return nil, err
		}
	}
	entries, err := s.applyGroup(ctx, tx, movements)
	if err != nil {
		return nil, err
	}
	s.observe(ctx, movements[0].TenantID, movements[0].ActorID, entries)
	return entries, nil
}

// ClaimOperation reserves operationKey so the work it guards runs at most
// once. An empty key, or a service without an idempotency store, claims
// nothing. A replayed key surfaces as ErrDuplicateOperation.
func (s *Service) ClaimOperation(ctx context.Context, operationKey string) (bool, error) {
	if operationKey == "" || s.idempotency == nil {
		return false, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, operationKey, "ledger"); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return false, ErrDuplicateOperation
		}
		return false, err
	}
	return true, nil
}

// ReleaseOperation frees a claimed key after the guarded work failed, so a
// retry with the same key can go through.
func (s *Service) ReleaseOperation(ctx context.Context, operationKey string) {
	if operationKey == "" || s.idempotency == nil {
		return
	}
	_ = s.idempotency.Delete(ctx, operationKey)
}

func (s *Service) applyGroup(ctx context.Context, tx TxRepository, movements []Movement) ([]Entry, error) {
	order := lockOrder(movements)
	entries := make([]Entry, len(movements))
	for _, idx := range order {
		entry, err := s.applyOne(ctx, tx, movements[idx])
		if err != nil {
			return nil, err
		}
		entries[idx] = entry
	}
	return entries, nil
}

func (s *Service) applyOne(ctx context.Context, tx TxRepository, m Movement) (Entry, error) {
	snap, err := tx.GetSnapshotForUpdate(ctx, m.key())
	if err != nil && !errors.Is(err, ErrSnapshotNotFound) {
		return Entry{}, err
	}
	if errors.Is(err, ErrSnapshotNotFound) {
		snap = Snapshot{
			TenantID: m.TenantID,
			BinID:    m.BinID,
			ItemID:   m.ItemID,
			BatchNo:  m.BatchNo,
		}
	}
	snap.WarehouseID = m.WarehouseID

	newQty := snap.QtyOnHand + m.QtyChange
	if m.QtyChange < 0 {
		if m.Reason.checksAvailable() {
			if snap.QtyAvailable()+qtyEpsilon < -m.QtyChange {
				return Entry{}, fmt.Errorf("%w: key %s available %.4f, requested %.4f",
					ErrInsufficientStock, m.key(), snap.QtyAvailable(), -m.QtyChange)
			}
		} else if newQty+qtyEpsilon < snap.QtyReserved {
			// ADJUST and SCRAP may drain to zero but never below zero, and
			// never below the reserved floor: reserved <= on-hand must hold.
			return Entry{}, fmt.Errorf("%w: key %s on hand %.4f reserved %.4f, change %.4f",
				ErrInsufficientStock, m.key(), snap.QtyOnHand, snap.QtyReserved, m.QtyChange)
		}
	}
	if math.Abs(newQty) < qtyEpsilon {
		newQty = 0
	}

	if m.BatchNo != "" && (m.ExpiryDate != nil || snap.BatchID == 0) {
		batchID, err := tx.UpsertBatch(ctx, batch.Batch{
			TenantID:   m.TenantID,
			ItemID:     m.ItemID,
			BatchNo:    m.BatchNo,
			ExpiryDate: m.ExpiryDate,
		})
		if err != nil {
			return Entry{}, err
		}
		snap.BatchID = batchID
		if m.ExpiryDate != nil {
			snap.ExpiryDate = m.ExpiryDate
		}
	}

	entry := Entry{
		TenantID:    m.TenantID,
		WarehouseID: m.WarehouseID,
		BinID:       m.BinID,
		ItemID:      m.ItemID,
		BatchNo:     m.BatchNo,
		Reason:      m.Reason,
		QtyChange:   m.QtyChange,
		QtyAfter:    newQty,
		RefModule:   m.RefModule,
		RefID:       m.RefID,
		Note:        m.Note,
		CreatedAt:   time.Now().UTC(),
	}
	entryID, err := tx.InsertEntry(ctx, entry)
	if err != nil {
		return Entry{}, err
	}
	entry.ID = entryID

	snap.QtyOnHand = newQty
	if err := tx.UpsertSnapshot(ctx, snap); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Available returns the item's available quantity, optionally scoped to one
// warehouse (0 means all).
func (s *Service) Available(ctx context.Context, tenantID, itemID, warehouseID int64) (float64, error) {
	if tenantID == 0 || itemID == 0 {
		return 0, fmt.Errorf("%w: tenant and item required", ErrInvalidMovement)
	}
	return s.repo.Available(ctx, tenantID, itemID, warehouseID)
}

// SnapshotsForItem lists an item's snapshots in FEFO order.
func (s *Service) SnapshotsForItem(ctx context.Context, tenantID, itemID, warehouseID int64) ([]Snapshot, error) {
	return s.repo.SnapshotsForItem(ctx, tenantID, itemID, warehouseID)
}

// Entries lists ledger rows for audit trails.
func (s *Service) Entries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	if filter.TenantID == 0 {
		return nil, fmt.Errorf("%w: tenant required", ErrInvalidMovement)
	}
	return s.repo.Entries(ctx, filter)
}

// ExpiryAlerts counts stocked snapshots per expiry tier. daysAhead > 0
// limits the horizon: batches expiring beyond it (and batches without an
// expiry date) are left out of the summary.
func (s *Service) ExpiryAlerts(ctx context.Context, tenantID, warehouseID int64, daysAhead int, asOf time.Time) ([]TierCount, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	cacheKey := fmt.Sprintf("expiry-alerts:%d:%d:%d:%s", tenantID, warehouseID, daysAhead, asOf.Format("2006-01-02"))
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached []TierCount
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		}
	}

	snaps, err := s.repo.StockedSnapshots(ctx, tenantID, warehouseID)
	if err != nil {
		return nil, err
	}
	counts := map[batch.Tier]int{}
	for _, snap := range snaps {
		if daysAhead > 0 {
			if snap.ExpiryDate == nil {
				continue
			}
			if batch.DaysUntil(*snap.ExpiryDate, asOf) > daysAhead {
				continue
			}
		}
		counts[batch.Classify(snap.ExpiryDate, asOf)]++
	}
	result := make([]TierCount, 0, 4)
	for _, tier := range []batch.Tier{batch.TierExpired, batch.TierCritical, batch.TierWarning, batch.TierOK} {
		result = append(result, TierCount{Tier: string(tier), Count: counts[tier]})
	}

	if s.cache != nil {
		if raw, err := json.Marshal(result); err == nil {
			_ = s.cache.Set(ctx, cacheKey, raw, s.alertTTL).Err()
		}
	}
	return result, nil
}

// StockedSnapshots lists snapshots with stock on hand, optionally scoped to
// one warehouse (0 means all). Cycle counting freezes its baseline from this.
func (s *Service) StockedSnapshots(ctx context.Context, tenantID, warehouseID int64) ([]Snapshot, error) {
	if tenantID == 0 {
		return nil, fmt.Errorf("%w: tenant required", ErrInvalidMovement)
	}
	return s.repo.StockedSnapshots(ctx, tenantID, warehouseID)
}

// WarehouseScopes lists the tenant and warehouse pairs with stock on hand.
func (s *Service) WarehouseScopes(ctx context.Context) ([]Scope, error) {
	return s.repo.WarehouseScopes(ctx)
}

// CheckIntegrity reconciles snapshots against summed ledger deltas.
func (s *Service) CheckIntegrity(ctx context.Context) ([]IntegrityDrift, error) {
	return s.repo.CheckIntegrity(ctx)
}

func (m Movement) key() Key {
	return Key{TenantID: m.TenantID, BinID: m.BinID, ItemID: m.ItemID, BatchNo: m.BatchNo}
}

func validateMovement(m Movement) error {
	if m.TenantID == 0 || m.WarehouseID == 0 || m.BinID == 0 || m.ItemID == 0 {
		return fmt.Errorf("%w: tenant, warehouse, bin and item required", ErrInvalidMovement)
	}
	if !m.Reason.IsValid() {
		return fmt.Errorf("%w: unknown reason %q", ErrInvalidMovement, m.Reason)
	}
	if math.Abs(m.QtyChange) < qtyEpsilon {
		return fmt.Errorf("%w: quantity change must be non zero", ErrInvalidMovement)
	}
	if m.RefID != "" {
		if _, err := uuid.Parse(m.RefID); err != nil {
			return fmt.Errorf("%w: invalid ref id: %v", ErrInvalidMovement, err)
		}
	}
	return nil
}

// lockOrder returns movement indexes sorted by snapshot key so every caller
// acquires row locks in the same order.
func lockOrder(movements []Movement) []int {
	order := make([]int, len(movements))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return movements[order[a]].key().String() < movements[order[b]].key().String()
	})
	return order
}

func (s *Service) observe(ctx context.Context, tenantID, actorID int64, entries []Entry) {
	for _, entry := range entries {
		if s.metrics != nil {
			s.metrics.ObserveMovement(string(entry.Reason))
		}
	}
	if s.audit == nil || len(entries) == 0 {
		return
	}
	first := entries[0]
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   fmt.Sprintf("ledger:%s", first.Reason),
		Entity:   "stock_ledger",
		EntityID: first.key().String(),
		Meta: map[string]any{
			"entries": len(entries),
			"reason":  string(first.Reason),
			"qty":     first.QtyChange,
		},
	})
}

func (e Entry) key() Key {
	return Key{TenantID: e.TenantID, BinID: e.BinID, ItemID: e.ItemID, BatchNo: e.BatchNo}
}
