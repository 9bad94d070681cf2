package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestClassify(t *testing.T) {
	today := date("2026-09-01")
	cases := []struct {
		name   string
		expiry *time.Time
		want   Tier
	}{
		{"nil expiry is ok", nil, TierOK},
		{"yesterday is expired", ptr(today.AddDate(0, 0, -1)), TierExpired},
		{"today is critical", ptr(today), TierCritical},
		{"five days out is critical", ptr(today.AddDate(0, 0, 5)), TierCritical},
		{"window edge is critical", ptr(today.AddDate(0, 0, CriticalDays)), TierCritical},
		{"ten days out is warning", ptr(today.AddDate(0, 0, 10)), TierWarning},
		{"window edge is warning", ptr(today.AddDate(0, 0, WarningDays)), TierWarning},
		{"beyond warning is ok", ptr(today.AddDate(0, 0, WarningDays+1)), TierOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.expiry, today))
		})
	}
}

func TestDaysUntilTruncatesToDates(t *testing.T) {
	asOf := time.Date(2026, 9, 1, 23, 30, 0, 0, time.UTC)
	expiry := time.Date(2026, 9, 2, 0, 15, 0, 0, time.UTC)
	require.Equal(t, 1, DaysUntil(expiry, asOf))

	// expiring later today counts as day zero
	sameDay := time.Date(2026, 9, 1, 23, 59, 0, 0, time.UTC)
	require.Equal(t, 0, DaysUntil(sameDay, asOf))
}

func TestDaysUntilNegativeForPast(t *testing.T) {
	asOf := date("2026-09-01")
	require.Equal(t, -3, DaysUntil(date("2026-08-29"), asOf))
}

func ptr(t time.Time) *time.Time {
	return &t
}
