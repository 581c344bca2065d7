// Package quota tracks per-account hourly and daily usage. A reservation is a
// single atomic compare-and-increment at the storage layer; resets are guarded
// by persisted hour and date markers so repeated calls are no-ops.
package quota

import (
	"context"
	"time"

	"reachflow/internal/domain"
)

const (
	ReasonHourlyExhausted = "hourly_exhausted"
	ReasonDailyExhausted  = "daily_exhausted"
	ReasonInactive        = "account_inactive"
	ReasonNotFound        = "account_not_found"
)

type Reservation struct {
	Allowed bool
	Reason  string
}

// ResetReport counts accounts per result of one reset pass.
type ResetReport struct {
	Reset   int `json:"reset"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type Tracker interface {
	Reserve(ctx context.Context, accountID string) (Reservation, error)
	ResetHourly(ctx context.Context) (ResetReport, error)
	ResetDaily(ctx context.Context) (ResetReport, error)
}

func classify(status string, hourlyUsed, hourlyLimit, dailyUsed, dailyLimit int) string {
	switch {
	case status != "active":
		return ReasonInactive
	case dailyUsed >= dailyLimit:
		return ReasonDailyExhausted
	case hourlyUsed >= hourlyLimit:
		return ReasonHourlyExhausted
	}
	// Counters moved between the update and the read; report the tighter window.
	return ReasonHourlyExhausted
}

func keys(now time.Time, loc *time.Location) (hour, date string) {
	local := now.In(loc)
	return domain.HourKey(local), domain.DateKey(local)
}
