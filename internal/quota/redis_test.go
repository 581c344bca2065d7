package quota

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reachflow/internal/clock"
	"reachflow/internal/domain"
)

// The Redis tracker runs against a real server when REDIS_ADDR is set.
func newRedisTracker(t *testing.T) (*RedisTracker, *clock.Fake) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 9})
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())
	require.NoError(t, client.FlushDB(ctx).Err())
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})
	clk := clock.NewFake(time.Date(2026, 6, 10, 10, 0, 0, 0, time.UTC))
	return NewRedisTracker(client, clk, time.UTC, zerolog.Nop()), clk
}

func TestRedisReserveAndReset(t *testing.T) {
	ctx := context.Background()
	tr, clk := newRedisTracker(t)
	require.NoError(t, tr.Register(ctx, domain.Account{
		ID: "a1", Status: domain.AccountActive, Quota: domain.Quota{HourlyLimit: 2, DailyLimit: 3},
	}))

	for i := 0; i < 2; i++ {
		r, err := tr.Reserve(ctx, "a1")
		require.NoError(t, err)
		assert.True(t, r.Allowed)
	}
	r, err := tr.Reserve(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, ReasonHourlyExhausted, r.Reason)

	report, err := tr.ResetHourly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reset)
	report, err = tr.ResetHourly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	r, err = tr.Reserve(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	r, err = tr.Reserve(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, ReasonDailyExhausted, r.Reason)

	clk.Advance(time.Hour)
	report, err = tr.ResetDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reset)
	q, err := tr.Usage(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, q.DailyUsed)
	assert.Equal(t, 0, q.HourlyUsed)

	r, err = tr.Reserve(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, r.Reason)
}

func TestRedisRegisterUpdatesLimitsAndKeepsCounters(t *testing.T) {
	ctx := context.Background()
	tr, _ := newRedisTracker(t)
	acc := domain.Account{ID: "a1", Status: domain.AccountActive, Quota: domain.Quota{HourlyLimit: 5, DailyLimit: 5}}
	require.NoError(t, tr.Register(ctx, acc))
	r, err := tr.Reserve(ctx, "a1")
	require.NoError(t, err)
	require.True(t, r.Allowed)

	acc.Quota.HourlyLimit = 1
	require.NoError(t, tr.Register(ctx, acc))
	q, err := tr.Usage(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.HourlyUsed)
	assert.Equal(t, 1, q.HourlyLimit)
	r, err = tr.Reserve(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, ReasonHourlyExhausted, r.Reason)

	acc.Status = domain.AccountInactive
	require.NoError(t, tr.Register(ctx, acc))
	r, err = tr.Reserve(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, ReasonInactive, r.Reason)
}

func TestRedisRegisterClampsUsageToLoweredLimits(t *testing.T) {
	ctx := context.Background()
	tr, _ := newRedisTracker(t)
	acc := domain.Account{ID: "a1", Status: domain.AccountActive, Quota: domain.Quota{HourlyLimit: 5, DailyLimit: 5}}
	require.NoError(t, tr.Register(ctx, acc))
	for i := 0; i < 3; i++ {
		r, err := tr.Reserve(ctx, "a1")
		require.NoError(t, err)
		require.True(t, r.Allowed)
	}

	acc.Quota = domain.Quota{HourlyLimit: 1, DailyLimit: 2}
	require.NoError(t, tr.Register(ctx, acc))
	q, err := tr.Usage(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.HourlyUsed)
	assert.Equal(t, 2, q.DailyUsed)
	assert.LessOrEqual(t, q.HourlyUsed, q.HourlyLimit)
	assert.LessOrEqual(t, q.DailyUsed, q.DailyLimit)
}
