// Package jobs contains the background tasks that keep the stock ledger
// healthy: expiry scanning, snapshot integrity checks and idempotency key
// cleanup. Tasks run on Asynq with Redis as the broker.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpiryScan classifies stocked batches by expiry tier and warms
	// the alert cache per warehouse.
	TaskExpiryScan = "stock:expiry_scan"
	// TaskIntegrityCheck reconciles snapshots against summed ledger deltas.
	TaskIntegrityCheck = "stock:integrity_check"
	// TaskIdempotencyCleanup prunes consumed operation keys past their TTL.
	TaskIdempotencyCleanup = "ops:idempotency_cleanup"
)

// ExpiryScanPayload carries scheduling metadata for an expiry scan.
type ExpiryScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	DaysAhead    int       `json:"days_ahead"`
}

// NewExpiryScanTask constructs an Asynq task for the expiry scan.
func NewExpiryScanTask(at time.Time, daysAhead int) (*asynq.Task, error) {
	body, err := json.Marshal(ExpiryScanPayload{ScheduledFor: at, DaysAhead: daysAhead})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpiryScan, body, asynq.Queue(QueueDefault)), nil
}

// IntegrityCheckPayload carries scheduling metadata for an integrity check.
type IntegrityCheckPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewIntegrityCheckTask constructs an Asynq task for the integrity check.
func NewIntegrityCheckTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(IntegrityCheckPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntegrityCheck, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload sets the retention window for operation keys.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
