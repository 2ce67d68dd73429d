package credit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prep-cli/internal/model"
)

// Balances are held as integer milli-credits so the Lua decrement is exact.
const milli = 1000

const defaultKeyPrefix = "prep:credits:"

// consumeScript deducts ARGV[1] milli-credits iff the balance covers it.
// A missing hash is a zero balance.
var consumeScript = redis.NewScript(`
local bal = tonumber(redis.call('HGET', KEYS[1], 'balance') or '0')
local amt = tonumber(ARGV[1])
if bal < amt then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'balance', -amt)
redis.call('HINCRBY', KEYS[1], 'monthly_used', amt)
return 1
`)

// resetScript zeroes monthly_used iff last_reset_at is before ARGV[1], the
// month start, and stamps ARGV[2] as the new reset time.
var resetScript = redis.NewScript(`
local last = tonumber(redis.call('HGET', KEYS[1], 'last_reset_at') or '0')
if last >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'monthly_used', 0, 'last_reset_at', ARGV[2])
return 1
`)

// RedisLedger keeps balances in one Redis hash per user.
type RedisLedger struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLedger creates a ledger on rdb. An empty prefix uses the default.
func NewRedisLedger(rdb redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLedger{rdb: rdb, prefix: prefix, now: time.Now}
}

// NewRedisLedgerFromURL parses a redis:// URL and verifies the connection.
func NewRedisLedgerFromURL(ctx context.Context, url string) (*RedisLedger, func() error, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, eris.Wrap(err, "credit: parse redis url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, eris.Wrap(err, "credit: ping redis")
	}
	return NewRedisLedger(rdb, ""), rdb.Close, nil
}

func (l *RedisLedger) key(userID string) string { return l.prefix + userID }

func toMilli(credits float64) int64 { return int64(math.Round(credits * milli)) }

func fromMilli(m int64) float64 { return float64(m) / milli }

// consumeMilli is toMilli for a positive debit; it never rounds down to zero.
func consumeMilli(credits float64) int64 { return max(toMilli(credits), 1) }

// Consume atomically deducts amount if the balance covers it.
func (l *RedisLedger) Consume(ctx context.Context, userID string, amount float64) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	n, err := consumeScript.Run(ctx, l.rdb, []string{l.key(userID)}, consumeMilli(amount)).Int64()
	if err != nil {
		return false, redisError(err, "credit: redis consume")
	}
	return n == 1, nil
}

// Check reads the balance without modifying it.
func (l *RedisLedger) Check(ctx context.Context, userID string, amount float64) (CheckResult, error) {
	bal, err := l.balanceMilli(ctx, userID)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Allowed:   bal >= toMilli(amount),
		Available: fromMilli(bal),
	}, nil
}

// Grant adds amount to the balance and returns the new balance.
func (l *RedisLedger) Grant(ctx context.Context, userID string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, eris.Errorf("credit: grant amount must be > 0, got %g", amount)
	}
	key := l.key(userID)
	pipe := l.rdb.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, "balance", toMilli(amount))
	pipe.HSetNX(ctx, key, "last_reset_at", l.now().UTC().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, redisError(err, "credit: redis grant")
	}
	return fromMilli(incr.Val()), nil
}

// Balance returns the full balance record for a user.
func (l *RedisLedger) Balance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	vals, err := l.rdb.HGetAll(ctx, l.key(userID)).Result()
	if err != nil {
		return nil, redisError(err, "credit: redis balance")
	}
	out := &model.CreditBalance{UserID: userID}
	if v, ok := vals["balance"]; ok {
		n, _ := strconv.ParseInt(v, 10, 64)
		out.Balance = fromMilli(n)
	}
	if v, ok := vals["monthly_used"]; ok {
		n, _ := strconv.ParseInt(v, 10, 64)
		out.MonthlyUsed = fromMilli(n)
	}
	if v, ok := vals["last_reset_at"]; ok {
		n, _ := strconv.ParseInt(v, 10, 64)
		out.LastResetAt = time.Unix(n, 0).UTC()
	}
	return out, nil
}

// ResetMonthly scans every balance under the key prefix and zeroes monthly
// usage on those not yet reset in now's month.
func (l *RedisLedger) ResetMonthly(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var n int64
	iter := l.rdb.Scan(ctx, 0, l.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		reset, err := resetScript.Run(ctx, l.rdb, []string{iter.Val()}, monthStart.Unix(), now.Unix()).Int64()
		if err != nil {
			return n, redisError(err, "credit: redis reset "+iter.Val())
		}
		n += reset
	}
	if err := iter.Err(); err != nil {
		return n, redisError(err, "credit: redis reset scan")
	}
	return n, nil
}

func (l *RedisLedger) balanceMilli(ctx context.Context, userID string) (int64, error) {
	n, err := l.rdb.HGet(ctx, l.key(userID), "balance").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, redisError(err, "credit: redis check")
	}
	return n, nil
}

// redisError marks a Redis failure as ErrUnavailable. A cancelled or expired
// context is returned wrapped as is.
func redisError(err error, msg string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return eris.Wrap(err, msg)
	}
	return eris.Wrapf(ErrUnavailable, "%s: %v", msg, err)
}
