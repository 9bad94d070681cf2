// Package batch holds batch/expiry classification and FEFO allocation rules.
package batch

import "time"

// Tier grades how close a batch is to its expiry date.
type Tier string

const (
	// TierExpired means the expiry date is in the past.
	TierExpired Tier = "EXPIRED"
	// TierCritical means the batch expires within the critical window.
	TierCritical Tier = "CRITICAL"
	// TierWarning means the batch expires within the warning window.
	TierWarning Tier = "WARNING"
	// TierOK means the batch is not close to expiry, or carries no expiry date.
	TierOK Tier = "OK"
)

// Day windows for the severity tiers.
const (
	CriticalDays = 7
	WarningDays  = 30
)

// Batch identifies a lot of an item. (tenant, item, batchNo) is unique;
// many snapshot rows across bins may reference the same batch.
type Batch struct {
	ID         int64
	TenantID   int64
	ItemID     int64
	BatchNo    string
	ExpiryDate *time.Time
	CreatedAt  time.Time
}

// Classify maps an expiry date relative to asOf onto a severity tier.
// A nil expiry means the item does not expire and is always OK.
func Classify(expiry *time.Time, asOf time.Time) Tier {
	if expiry == nil {
		return TierOK
	}
	days := DaysUntil(*expiry, asOf)
	switch {
	case days < 0:
		return TierExpired
	case days <= CriticalDays:
		return TierCritical
	case days <= WarningDays:
		return TierWarning
	default:
		return TierOK
	}
}

// DaysUntil counts whole calendar days from asOf until expiry, negative when
// expiry already passed. Both instants are truncated to their UTC date so a
// batch expiring later today still counts as day zero.
func DaysUntil(expiry, asOf time.Time) int {
	e := dateOnly(expiry)
	a := dateOnly(asOf)
	return int(e.Sub(a).Hours() / 24)
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
