package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"reachflow/internal/clock"
	"reachflow/internal/store"
)

// SQLiteTracker keeps the counters on the accounts table.
type SQLiteTracker struct {
	db    *sql.DB
	clock clock.Clock
	loc   *time.Location
	log   zerolog.Logger
}

func NewSQLiteTracker(db *sql.DB, clk clock.Clock, loc *time.Location, log zerolog.Logger) *SQLiteTracker {
	if loc == nil {
		loc = time.UTC
	}
	return &SQLiteTracker{db: db, clock: clk, loc: loc, log: log}
}

func (t *SQLiteTracker) Reserve(ctx context.Context, accountID string) (Reservation, error) {
	res, err := t.db.ExecContext(ctx, `
UPDATE accounts
SET hourly_used = hourly_used + 1, daily_used = daily_used + 1, updated_at = ?
WHERE id = ? AND status = 'active' AND hourly_used < hourly_limit AND daily_used < daily_limit`,
		store.Millis(t.clock.Now()), accountID)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Reservation{}, err
	}
	if n == 1 {
		return Reservation{Allowed: true}, nil
	}

	var status string
	var hu, hl, du, dl int
	err = t.db.QueryRowContext(ctx, `
SELECT status, hourly_used, hourly_limit, daily_used, daily_limit FROM accounts WHERE id = ?`, accountID).
		Scan(&status, &hu, &hl, &du, &dl)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("read quota: %w", err)
	}
	return Reservation{Reason: classify(status, hu, hl, du, dl)}, nil
}

func (t *SQLiteTracker) ResetHourly(ctx context.Context) (ResetReport, error) {
	hour, _ := keys(t.clock.Now(), t.loc)
	return t.resetEach(ctx, "hourly", func(id string) (sql.Result, error) {
		return t.db.ExecContext(ctx, `
UPDATE accounts SET hourly_used = 0, last_hourly_reset = ?1, updated_at = ?2
WHERE id = ?3 AND last_hourly_reset IS NOT ?1`, hour, store.Millis(t.clock.Now()), id)
	})
}

// ResetDaily zeroes the daily counter once per calendar day. It applies the
// hourly reset too, unless that already happened in the current hour.
func (t *SQLiteTracker) ResetDaily(ctx context.Context) (ResetReport, error) {
	hour, date := keys(t.clock.Now(), t.loc)
	return t.resetEach(ctx, "daily", func(id string) (sql.Result, error) {
		return t.db.ExecContext(ctx, `
UPDATE accounts
SET daily_used = 0,
    last_daily_reset_date = ?1,
    hourly_used = CASE WHEN last_hourly_reset IS ?2 THEN hourly_used ELSE 0 END,
    last_hourly_reset = ?2,
    updated_at = ?3
WHERE id = ?4 AND last_daily_reset_date IS NOT ?1`, date, hour, store.Millis(t.clock.Now()), id)
	})
}

func (t *SQLiteTracker) resetEach(ctx context.Context, kind string, apply func(id string) (sql.Result, error)) (ResetReport, error) {
	ids, err := t.accountIDs(ctx)
	if err != nil {
		return ResetReport{}, fmt.Errorf("list accounts: %w", err)
	}

	var report ResetReport
	var errs []error
	for _, id := range ids {
		res, err := apply(id)
		if err == nil {
			var n int64
			n, err = res.RowsAffected()
			if err == nil && n == 0 {
				report.Skipped++
				continue
			}
		}
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("account %s: %w", id, err))
			t.log.Error().Err(err).Str("account_id", id).Str("reset", kind).Msg("quota reset failed")
			continue
		}
		report.Reset++
	}
	t.log.Info().Str("reset", kind).Int("reset_count", report.Reset).Int("skipped", report.Skipped).
		Int("failed", report.Failed).Msg("quota reset pass finished")
	return report, errors.Join(errs...)
}

func (t *SQLiteTracker) accountIDs(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
