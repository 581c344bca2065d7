package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"reachflow/internal/quota"
)

const (
	JobResetHourly  = "reset-hourly"
	JobResetDaily   = "reset-daily"
	JobRecoverStale = "recover-stale"
)

// Recoverer releases task claims older than a window.
type Recoverer interface {
	RecoverStale(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

// QuotaJobs returns the hourly and daily reset jobs. Both run once at start:
// the resets are idempotent per period, so a restart catches up a missed one.
func QuotaJobs(t quota.Tracker, hourlySpec, dailySpec string, log zerolog.Logger) []Job {
	report := func(kind string, r quota.ResetReport) {
		log.Info().Str("kind", kind).Int("reset", r.Reset).Int("skipped", r.Skipped).Int("failed", r.Failed).Msg("quota reset")
	}
	return []Job{
		{
			Name: JobResetHourly, Spec: hourlySpec, RunOnStart: true,
			Run: func(ctx context.Context, _ time.Time) error {
				r, err := t.ResetHourly(ctx)
				report("hourly", r)
				return err
			},
		},
		{
			Name: JobResetDaily, Spec: dailySpec, RunOnStart: true,
			Run: func(ctx context.Context, _ time.Time) error {
				r, err := t.ResetDaily(ctx)
				report("daily", r)
				return err
			},
		},
	}
}

func RecoverJob(r Recoverer, spec string, window time.Duration, log zerolog.Logger) Job {
	return Job{
		Name: JobRecoverStale, Spec: spec, RunOnStart: true,
		Run: func(ctx context.Context, now time.Time) error {
			n, err := r.RecoverStale(ctx, now, window)
			if n > 0 {
				log.Warn().Int("recovered", n).Msg("released stale claims")
			}
			return err
		},
	}
}
