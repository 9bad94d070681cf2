package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/observability"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Tasks bundles the dependencies the job handlers need.
type Tasks struct {
	Ledger         *ledger.Service
	Idempotency    *shared.IdempotencyStore
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	IdempotencyTTL time.Duration
}

// HandleExpiryScan walks every stocked tenant and warehouse, classifies
// batches by expiry tier and warms the alert cache. Expired or critical
// stock is logged so operators see it without polling the API.
func (t *Tasks) HandleExpiryScan(ctx context.Context, task *asynq.Task) error {
	var payload ExpiryScanPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf := payload.ScheduledFor
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	scopes, err := t.Ledger.WarehouseScopes(ctx)
	if err != nil {
		t.observe(TaskExpiryScan, "error")
		return err
	}
	for _, scope := range scopes {
		counts, err := t.Ledger.ExpiryAlerts(ctx, scope.TenantID, scope.WarehouseID, payload.DaysAhead, asOf)
		if err != nil {
			t.observe(TaskExpiryScan, "error")
			return err
		}
		for _, tier := range counts {
			if tier.Count == 0 || (tier.Tier != "EXPIRED" && tier.Tier != "CRITICAL") {
				continue
			}
			t.Logger.Warn("stock approaching expiry",
				slog.Int64("tenant_id", scope.TenantID),
				slog.Int64("warehouse_id", scope.WarehouseID),
				slog.String("tier", tier.Tier),
				slog.Int("batches", tier.Count))
		}
	}
	t.Logger.Info("expiry scan finished", slog.Int("scopes", len(scopes)))
	t.observe(TaskExpiryScan, "ok")
	return nil
}

func (t *Tasks) observe(task, outcome string) {
	if t.Metrics != nil {
		t.Metrics.ObserveJobRun(task, outcome)
	}
}
