package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"reachflow/internal/clock"
	"reachflow/internal/domain"
)

type Accounts struct {
	db    *sql.DB
	clock clock.Clock
}

func NewAccounts(db *sql.DB, clk clock.Clock) *Accounts { return &Accounts{db: db, clock: clk} }

const accountColumns = `id,name,status,hourly_used,hourly_limit,daily_used,daily_limit,
COALESCE(last_hourly_reset,''),COALESCE(last_daily_reset_date,''),created_at,updated_at`

func (r *Accounts) Create(ctx context.Context, a domain.Account) (domain.Account, error) {
	if a.ID == "" {
		a.ID = "acc_" + uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	if err := domain.Validator().Struct(a); err != nil {
		return domain.Account{}, fmt.Errorf("invalid account: %w", err)
	}
	now := r.clock.Now().UTC()
	a.Quota.HourlyUsed, a.Quota.DailyUsed = 0, 0
	a.CreatedAt, a.UpdatedAt = Time(Millis(now)), Time(Millis(now))
	_, err := r.db.ExecContext(ctx, `
INSERT INTO accounts (id,name,status,hourly_used,hourly_limit,daily_used,daily_limit,created_at,updated_at)
VALUES (?,?,?,0,?,0,?,?,?)`, a.ID, a.Name, a.Status, a.Quota.HourlyLimit, a.Quota.DailyLimit, Millis(now), Millis(now))
	if err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

func (r *Accounts) Get(ctx context.Context, id string) (domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func (r *Accounts) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *Accounts) SetStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE accounts SET status=?, updated_at=? WHERE id=?`,
		status, Millis(r.clock.Now()), id)
	if err != nil {
		return err
	}
	return expectOne(res, "account "+id)
}

// SetLimits changes the quota limits, clamping current usage to the new bounds.
func (r *Accounts) SetLimits(ctx context.Context, id string, hourly, daily int) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE accounts
SET hourly_limit=?1, daily_limit=?2,
    hourly_used=MIN(hourly_used, ?1), daily_used=MIN(daily_used, ?2),
    updated_at=?3
WHERE id=?4`, hourly, daily, Millis(r.clock.Now()), id)
	if err != nil {
		return err
	}
	return expectOne(res, "account "+id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (domain.Account, error) {
	var a domain.Account
	var created, updated int64
	err := s.Scan(&a.ID, &a.Name, &a.Status, &a.Quota.HourlyUsed, &a.Quota.HourlyLimit,
		&a.Quota.DailyUsed, &a.Quota.DailyLimit, &a.Quota.LastHourlyReset, &a.Quota.LastDailyResetDate,
		&created, &updated)
	if err != nil {
		return domain.Account{}, err
	}
	a.CreatedAt, a.UpdatedAt = Time(created), Time(updated)
	return a, nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}
