package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reachflow/internal/clock"
	"reachflow/internal/domain"
)

func openTest(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnsureSchemaIsRepeatable(t *testing.T) {
	db := openTest(t)
	require.NoError(t, EnsureSchema(db))
}

func TestAccountsLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	repo := NewAccounts(openTest(t), clk)

	a, err := repo.Create(ctx, domain.Account{Name: "sales-1", Quota: domain.Quota{HourlyLimit: 10, DailyLimit: 50}})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, domain.AccountActive, a.Status)

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Name, got.Name)
	assert.Equal(t, 10, got.Quota.HourlyLimit)
	assert.Equal(t, 50, got.Quota.DailyLimit)
	assert.True(t, got.CreatedAt.Equal(clk.Now()))

	require.NoError(t, repo.SetStatus(ctx, a.ID, domain.AccountInactive))
	got, err = repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountInactive, got.Status)

	require.NoError(t, repo.SetLimits(ctx, a.ID, 5, 20))
	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 5, list[0].Quota.HourlyLimit)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.SetStatus(ctx, "missing", domain.AccountActive), domain.ErrNotFound)
}

func TestAccountsRejectInvalid(t *testing.T) {
	repo := NewAccounts(openTest(t), clock.Real{})
	_, err := repo.Create(context.Background(), domain.Account{Name: "", Quota: domain.Quota{HourlyLimit: 1}})
	assert.Error(t, err)
	_, err = repo.Create(context.Background(), domain.Account{Name: "x", Quota: domain.Quota{HourlyLimit: -1}})
	assert.Error(t, err)
}

func TestCustomersRecordIdentity(t *testing.T) {
	ctx := context.Background()
	repo := NewCustomers(openTest(t), clock.Real{})

	c, err := repo.Create(ctx, domain.Customer{Name: "Lan", Phone: "0901234567", AccountID: "acc_1"})
	require.NoError(t, err)

	got, err := repo.FindCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, got.UID)

	require.NoError(t, repo.RecordIdentity(ctx, c.ID, "uid-42"))
	got, err = repo.FindCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "uid-42", got.UID)

	assert.ErrorIs(t, repo.RecordIdentity(ctx, "nobody", "x"), domain.ErrNotFound)
	_, err = repo.FindCustomer(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestActionLogs(t *testing.T) {
	ctx := context.Background()
	repo := NewActionLogs(openTest(t), clock.Real{})

	for i, status := range []domain.OutcomeStatus{domain.OutcomeSuccess, domain.OutcomeRateLimited} {
		_, err := repo.Append(ctx, domain.ActionLog{
			AccountID: "acc_1", ActionType: domain.ActionSendMessage, Target: "uid-1",
			Status: status, TaskID: "tsk_1", StepIndex: i,
		})
		require.NoError(t, err)
	}

	logs, err := repo.ListByAccount(ctx, "acc_1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, domain.OutcomeRateLimited, logs[0].Status)

	logs, err = repo.ListByTask(ctx, "tsk_1")
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	err := Tx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO customers (id,created_at,updated_at) VALUES ('c1',0,0)`)
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers`).Scan(&n))
	assert.Equal(t, 0, n)
}
