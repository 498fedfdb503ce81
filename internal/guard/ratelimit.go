package guard

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hatchq/hatchq/internal/domain"
)

// Mode selects what a policy does when the bucket runs dry.
type Mode int

const (
	// ModeQueue defers the caller: the denied request is recorded on the
	// key's overflow list and reported as accepted-but-deferred.
	ModeQueue Mode = iota
	// ModeDelay blocks the caller until tokens refill (bounded by ctx).
	ModeDelay
	// ModeUnlimited bypasses the bucket entirely. Trusted internal callers.
	ModeUnlimited
)

// Policy is a named token-bucket configuration.
type Policy struct {
	Name  string
	Rate  float64 // tokens per second
	Burst float64 // bucket capacity
	Mode  Mode
}

// Decision reports the outcome of a consume attempt.
type Decision struct {
	Allowed   bool
	Deferred  bool
	Remaining float64
	ResetAt   time.Time
}

// Limiter is a Redis-backed token bucket. The refill-check-decrement
// sequence runs as one server-side Lua script, so concurrent consumers of
// the same key can never double-spend. If Redis is unreachable the limiter
// fails closed and reports domain.ErrGuardUnavailable.
type Limiter struct {
	rdb    *r.Client
	log    *zap.Logger
	keyTTL time.Duration
}

func NewLimiter(rdb *r.Client, log *zap.Logger) *Limiter {
	return &Limiter{rdb: rdb, log: log, keyTTL: time.Hour}
}

// Clock time is supplied by the caller rather than read inside the script;
// scripts must be deterministic under replication and tests get a stable
// clock for free.
var tokenBucketScript = r.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens"))
local last = tonumber(redis.call("HGET", KEYS[1], "last_refill"))
if tokens == nil or last == nil then
	tokens = burst
	last = now
end
local elapsed = now - last
if elapsed > 0 then
	tokens = math.min(burst, tokens + elapsed * rate)
end
local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last_refill", tostring(now))
redis.call("EXPIRE", KEYS[1], ARGV[5])
local wait = 0
if allowed == 0 and rate > 0 then
	wait = (cost - tokens) / rate
end
return {allowed, tostring(tokens), tostring(wait)}
`)

// Consume attempts to take cost tokens from the policy's bucket for key.
func (l *Limiter) Consume(ctx context.Context, p Policy, key string, cost float64) (Decision, error) {
	if p.Mode == ModeUnlimited {
		return Decision{Allowed: true, Remaining: p.Burst}, nil
	}

	now := time.Now()
	res, err := tokenBucketScript.Run(ctx, l.rdb,
		[]string{bucketKey(p.Name, key)},
		formatFloat(p.Rate), formatFloat(p.Burst), formatFloat(cost),
		formatFloat(float64(now.UnixMicro())/1e6),
		int(l.keyTTL/time.Second),
	).Result()
	if err != nil {
		return Decision{}, errors.Wrap(domain.ErrGuardUnavailable, err.Error())
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, errors.Wrap(domain.ErrGuardUnavailable, "unexpected script reply")
	}
	allowed, _ := vals[0].(int64)
	remaining := parseFloat(vals[1])
	wait := parseFloat(vals[2])

	return Decision{
		Allowed:   allowed == 1,
		Remaining: remaining,
		ResetAt:   now.Add(time.Duration(wait * float64(time.Second))),
	}, nil
}

// Acquire applies the policy's overflow behaviour on top of Consume.
//
// ModeQueue: a denial pushes a marker onto the key's overflow list and
// comes back as Deferred — the caller was accepted, not rejected.
// ModeDelay: denials sleep until the bucket refills, within ctx.
func (l *Limiter) Acquire(ctx context.Context, p Policy, key string) (Decision, error) {
	for {
		d, err := l.Consume(ctx, p, key, 1)
		if err != nil {
			return Decision{}, err
		}
		if d.Allowed {
			return d, nil
		}

		switch p.Mode {
		case ModeQueue:
			// The marker list is capped and expires with the bucket, so
			// sustained overload cannot grow it without bound.
			pipe := l.rdb.TxPipeline()
			pipe.LPush(ctx, overflowKey(p.Name, key), time.Now().UTC().Format(time.RFC3339Nano))
			pipe.LTrim(ctx, overflowKey(p.Name, key), 0, overflowMax-1)
			pipe.Expire(ctx, overflowKey(p.Name, key), l.keyTTL)
			if _, err := pipe.Exec(ctx); err != nil {
				return Decision{}, errors.Wrap(domain.ErrGuardUnavailable, err.Error())
			}
			d.Deferred = true
			return d, nil
		case ModeDelay:
			wait := time.Until(d.ResetAt)
			if wait <= 0 {
				wait = 10 * time.Millisecond
			}
			l.log.Debug("rate limit delay",
				zap.String("policy", p.Name), zap.String("key", key), zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return Decision{}, ctx.Err()
			case <-time.After(wait):
			}
		default:
			return d, &domain.RateLimitError{Key: key, Remaining: d.Remaining, ResetAt: d.ResetAt}
		}
	}
}

// OverflowDepth returns how many deferred requests are parked for key.
func (l *Limiter) OverflowDepth(ctx context.Context, p Policy, key string) (int64, error) {
	n, err := l.rdb.LLen(ctx, overflowKey(p.Name, key)).Result()
	if err != nil {
		return 0, errors.Wrap(domain.ErrGuardUnavailable, err.Error())
	}
	return n, nil
}

// overflowMax caps a key's deferral marker list.
const overflowMax = 1000

func bucketKey(policy, key string) string   { return "ratelimit:" + policy + ":" + key }
func overflowKey(policy, key string) string { return "overflow:" + policy + ":" + key }

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func parseFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
