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

// Breaker guards a volatile dependency with a per-key circuit. State lives
// in a Redis hash {failures, last_failure, state} shared by every worker
// process. Like the limiter it fails closed: if the hash cannot be read
// the call is rejected with domain.ErrGuardUnavailable.
type Breaker struct {
	rdb       *r.Client
	log       *zap.Logger
	threshold int64
	cooldown  time.Duration
}

func NewBreaker(rdb *r.Client, log *zap.Logger, threshold int64, cooldown time.Duration) *Breaker {
	return &Breaker{rdb: rdb, log: log, threshold: threshold, cooldown: cooldown}
}

// recordFailureScript bumps the failure counter and trips the circuit once
// the threshold is reached, in one round trip.
var recordFailureScript = r.NewScript(`
local failures = redis.call("HINCRBY", KEYS[1], "failures", 1)
redis.call("HSET", KEYS[1], "last_failure", ARGV[1])
if failures >= tonumber(ARGV[2]) then
	redis.call("HSET", KEYS[1], "state", "open")
end
return failures
`)

// Execute runs op behind the circuit for key, wrapping it in timeout.
//
// While the circuit is open and the cooldown has not elapsed, op is never
// invoked and domain.ErrCircuitOpen comes back immediately. Once the
// cooldown passes, the open flag is cleared and the next call probes the
// dependency. The failure count survives the probe: a failed probe lands
// above the threshold and reopens the circuit at once. Only a success
// resets the count to zero.
func (b *Breaker) Execute(ctx context.Context, key string, timeout time.Duration, op func(context.Context) error) error {
	state, err := b.rdb.HGetAll(ctx, breakerKey(key)).Result()
	if err != nil {
		return errors.Wrap(domain.ErrGuardUnavailable, err.Error())
	}

	if state["state"] == "open" {
		last, _ := strconv.ParseInt(state["last_failure"], 10, 64)
		if time.Since(time.Unix(last, 0)) <= b.cooldown {
			return domain.ErrCircuitOpen
		}
		// Cooldown elapsed: drop only the open flag and let this call
		// probe. The failure count stays, so one more failure reopens
		// the circuit instead of granting a fresh budget of attempts.
		if err := b.rdb.HDel(ctx, breakerKey(key), "state").Err(); err != nil {
			return errors.Wrap(domain.ErrGuardUnavailable, err.Error())
		}
		b.log.Info("circuit probing after cooldown", zap.String("key", key))
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if opErr := op(opCtx); opErr != nil {
		// A timeout counts as a failure like any other.
		failures, err := recordFailureScript.Run(ctx, b.rdb,
			[]string{breakerKey(key)},
			time.Now().Unix(), b.threshold,
		).Int64()
		if err != nil {
			b.log.Error("circuit failure not recorded", zap.String("key", key), zap.Error(err))
		} else if failures >= b.threshold {
			b.log.Warn("circuit opened",
				zap.String("key", key), zap.Int64("failures", failures))
		}
		return opErr
	}

	// One success is enough to re-establish trust.
	if err := b.rdb.Del(ctx, breakerKey(key)).Err(); err != nil {
		b.log.Error("circuit reset failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func breakerKey(key string) string { return "breaker:" + key }
