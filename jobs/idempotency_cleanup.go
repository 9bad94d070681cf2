package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

// HandleIdempotencyCleanup prunes operation keys older than the retention
// window. Keys must outlive any plausible client retry, so the window is
// generous by default.
func (t *Tasks) HandleIdempotencyCleanup(ctx context.Context, task *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	olderThan := payload.OlderThan
	if olderThan <= 0 {
		olderThan = t.IdempotencyTTL
	}

	if err := t.Idempotency.Cleanup(ctx, olderThan); err != nil {
		t.observe(TaskIdempotencyCleanup, "error")
		return err
	}
	t.Logger.Info("idempotency cleanup finished", slog.Duration("older_than", olderThan))
	t.observe(TaskIdempotencyCleanup, "ok")
	return nil
}
