package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"reachflow/internal/clock"
	"reachflow/internal/domain"
)

const redisPrefix = "reachflow:"

func accountKey(id string) string { return redisPrefix + "quota:" + id }

const accountIDsKey = redisPrefix + "quota_accounts"

var reserveScript = goredis.NewScript(`
local k = KEYS[1]
if redis.call('EXISTS', k) == 0 then return -3 end
local v = redis.call('HMGET', k, 'status', 'hourly_used', 'hourly_limit', 'daily_used', 'daily_limit')
if v[1] ~= 'active' then return -4 end
local hu, hl = tonumber(v[2]) or 0, tonumber(v[3]) or 0
local du, dl = tonumber(v[4]) or 0, tonumber(v[5]) or 0
if du >= dl then return -2 end
if hu >= hl then return -1 end
redis.call('HINCRBY', k, 'hourly_used', 1)
redis.call('HINCRBY', k, 'daily_used', 1)
return 1
`)

var resetHourlyScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'last_hourly_reset') == ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'hourly_used', 0, 'last_hourly_reset', ARGV[1])
return 1
`)

var resetDailyScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'last_daily_reset_date') == ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'last_hourly_reset') ~= ARGV[2] then
  redis.call('HSET', KEYS[1], 'hourly_used', 0, 'last_hourly_reset', ARGV[2])
end
redis.call('HSET', KEYS[1], 'daily_used', 0, 'last_daily_reset_date', ARGV[1])
return 1
`)

var registerScript = goredis.NewScript(`
local k = KEYS[1]
local hl, dl = tonumber(ARGV[2]), tonumber(ARGV[3])
redis.call('HSET', k, 'status', ARGV[1], 'hourly_limit', hl, 'daily_limit', dl)
local hu = tonumber(redis.call('HGET', k, 'hourly_used')) or 0
local du = tonumber(redis.call('HGET', k, 'daily_used')) or 0
redis.call('HSET', k, 'hourly_used', math.min(hu, hl), 'daily_used', math.min(du, dl))
return 1
`)

// RedisTracker keeps the counters in one Redis hash per account so several
// hosts can share quota. Limits and status are seeded with Register; the
// counters in Redis are authoritative while this backend is in use.
type RedisTracker struct {
	client goredis.Cmdable
	clock  clock.Clock
	loc    *time.Location
	log    zerolog.Logger
}

func NewRedisTracker(client goredis.Cmdable, clk clock.Clock, loc *time.Location, log zerolog.Logger) *RedisTracker {
	if loc == nil {
		loc = time.UTC
	}
	return &RedisTracker{client: client, clock: clk, loc: loc, log: log}
}

// Register copies an account's status and limits into Redis. Existing
// counters are kept, clamped to the new limits.
func (t *RedisTracker) Register(ctx context.Context, a domain.Account) error {
	err := registerScript.Run(ctx, t.client, []string{accountKey(a.ID)},
		string(a.Status), a.Quota.HourlyLimit, a.Quota.DailyLimit).Err()
	if err == nil {
		err = t.client.SAdd(ctx, accountIDsKey, a.ID).Err()
	}
	if err != nil {
		return fmt.Errorf("register account %s: %w", a.ID, err)
	}
	return nil
}

// Usage reads the counters of one account.
func (t *RedisTracker) Usage(ctx context.Context, accountID string) (domain.Quota, error) {
	vals, err := t.client.HGetAll(ctx, accountKey(accountID)).Result()
	if err != nil {
		return domain.Quota{}, err
	}
	if len(vals) == 0 {
		return domain.Quota{}, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	atoi := func(s string) int { n, _ := strconv.Atoi(s); return n }
	return domain.Quota{
		HourlyUsed:         atoi(vals["hourly_used"]),
		HourlyLimit:        atoi(vals["hourly_limit"]),
		DailyUsed:          atoi(vals["daily_used"]),
		DailyLimit:         atoi(vals["daily_limit"]),
		LastHourlyReset:    vals["last_hourly_reset"],
		LastDailyResetDate: vals["last_daily_reset_date"],
	}, nil
}

func (t *RedisTracker) Reserve(ctx context.Context, accountID string) (Reservation, error) {
	n, err := reserveScript.Run(ctx, t.client, []string{accountKey(accountID)}).Int()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve quota: %w", err)
	}
	switch n {
	case 1:
		return Reservation{Allowed: true}, nil
	case -1:
		return Reservation{Reason: ReasonHourlyExhausted}, nil
	case -2:
		return Reservation{Reason: ReasonDailyExhausted}, nil
	case -3:
		return Reservation{Reason: ReasonNotFound}, nil
	default:
		return Reservation{Reason: ReasonInactive}, nil
	}
}

func (t *RedisTracker) ResetHourly(ctx context.Context) (ResetReport, error) {
	hour, _ := keys(t.clock.Now(), t.loc)
	return t.resetEach(ctx, "hourly", func(id string) (int, error) {
		return resetHourlyScript.Run(ctx, t.client, []string{accountKey(id)}, hour).Int()
	})
}

func (t *RedisTracker) ResetDaily(ctx context.Context) (ResetReport, error) {
	hour, date := keys(t.clock.Now(), t.loc)
	return t.resetEach(ctx, "daily", func(id string) (int, error) {
		return resetDailyScript.Run(ctx, t.client, []string{accountKey(id)}, date, hour).Int()
	})
}

func (t *RedisTracker) resetEach(ctx context.Context, kind string, apply func(id string) (int, error)) (ResetReport, error) {
	ids, err := t.client.SMembers(ctx, accountIDsKey).Result()
	if err != nil {
		return ResetReport{}, fmt.Errorf("list accounts: %w", err)
	}

	var report ResetReport
	var errs []error
	for _, id := range ids {
		n, err := apply(id)
		switch {
		case err != nil:
			report.Failed++
			errs = append(errs, fmt.Errorf("account %s: %w", id, err))
			t.log.Error().Err(err).Str("account_id", id).Str("reset", kind).Msg("quota reset failed")
		case n == 1:
			report.Reset++
		default:
			report.Skipped++
		}
	}
	return report, errors.Join(errs...)
}
