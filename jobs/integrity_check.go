package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

// HandleIntegrityCheck compares each snapshot balance against the summed
// ledger deltas for its key. Drift means a write bypassed the ledger; the
// job reports it loudly but never patches quantities on its own.
func (t *Tasks) HandleIntegrityCheck(ctx context.Context, task *asynq.Task) error {
	var payload IntegrityCheckPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	drifts, err := t.Ledger.CheckIntegrity(ctx)
	if err != nil {
		t.observe(TaskIntegrityCheck, "error")
		return err
	}
	for _, drift := range drifts {
		t.Logger.Error("snapshot drifted from ledger",
			slog.String("key", drift.Key.String()),
			slog.Float64("snapshot_qty", drift.SnapshotQty),
			slog.Float64("ledger_qty", drift.LedgerQty))
	}
	if t.Metrics != nil {
		t.Metrics.SetIntegrityDrift(len(drifts))
	}
	if len(drifts) > 0 {
		t.observe(TaskIntegrityCheck, "drift")
	} else {
		t.observe(TaskIntegrityCheck, "ok")
	}
	t.Logger.Info("integrity check finished", slog.Int("drifts", len(drifts)))
	return nil
}
