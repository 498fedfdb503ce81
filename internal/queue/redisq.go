package queue

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// RedisQ is the queue broker: per-tenant FIFO lists, a tenant registry
// set, per-tenant delay ZSETs for scheduled retries, and lease keys with
// TTLs. Jobs travel through it as bare IDs; the job store holds the rows.
type RedisQ struct {
	rdb    *r.Client
	cursor atomic.Uint64
}

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb: rdb} }

// Push enqueues a job ID at the head of the tenant's queue. BRPop takes
// from the tail, so within a tenant order is strict FIFO.
func (q *RedisQ) Push(ctx context.Context, tenant, jobID string) error {
	return errors.Wrap(q.rdb.LPush(ctx, queueKey(tenant), jobID).Err(), "queue push")
}

// Len returns the tenant's current backlog.
func (q *RedisQ) Len(ctx context.Context, tenant string) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey(tenant)).Result()
	return n, errors.Wrap(err, "queue len")
}

// RegisterTenant records the tenant for dispatcher discovery. Idempotent;
// entries are never removed, an inactive tenant in the set is harmless.
func (q *RedisQ) RegisterTenant(ctx context.Context, tenant string) error {
	return errors.Wrap(q.rdb.SAdd(ctx, tenantsKey, tenant).Err(), "register tenant")
}

// Tenants returns every tenant ever seen.
func (q *RedisQ) Tenants(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.SMembers(ctx, tenantsKey).Result()
	return ids, errors.Wrap(err, "list tenants")
}

// Dequeue performs one fair blocking pop across all given tenants,
// waiting up to block. BRPOP serves its keys in argument order, so the
// order is rotated on every call; under sustained load each tenant gets
// the head slot equally often and none is starved.
//
// Returns the tenant and job ID, or ok=false if the wait timed out.
func (q *RedisQ) Dequeue(ctx context.Context, tenants []string, block time.Duration) (tenant, jobID string, ok bool, err error) {
	if len(tenants) == 0 {
		return "", "", false, nil
	}

	offset := int(q.cursor.Add(1)-1) % len(tenants)
	keys := make([]string, 0, len(tenants))
	for i := range tenants {
		keys = append(keys, queueKey(tenants[(offset+i)%len(tenants)]))
	}

	res, err := q.rdb.BRPop(ctx, block, keys...).Result()
	if err == r.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, errors.Wrap(err, "blocking dequeue")
	}
	if len(res) != 2 {
		return "", "", false, errors.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	return tenantFromQueueKey(res[0]), res[1], true, nil
}

func tenantFromQueueKey(key string) string {
	// tenant:{id}:job_queue
	const prefix, suffix = "tenant:", ":job_queue"
	if len(key) <= len(prefix)+len(suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}

// TrimOldest removes up to n entries from the tail (oldest first) of the
// tenant's queue and returns the removed job IDs. Used by the backlog
// enforcer.
func (q *RedisQ) TrimOldest(ctx context.Context, tenant string, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := q.rdb.RPopCount(ctx, queueKey(tenant), int(n)).Result()
	if err == r.Nil {
		return nil, nil
	}
	return ids, errors.Wrap(err, "trim oldest")
}

// ScheduleRetry parks a job ID on the tenant's delay ZSET until at.
func (q *RedisQ) ScheduleRetry(ctx context.Context, tenant, jobID string, at time.Time) error {
	err := q.rdb.ZAdd(ctx, delayKey(tenant), r.Z{Score: float64(at.Unix()), Member: jobID}).Err()
	return errors.Wrap(err, "schedule retry")
}

// MoveDue moves job IDs whose delay has elapsed back onto the tenant's
// queue. Returns the moved IDs so the caller can flip their rows back to
// pending.
func (q *RedisQ) MoveDue(ctx context.Context, tenant string, now time.Time, batch int64) ([]string, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, delayKey(tenant), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "range due")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, queueKey(tenant), id)
		pipe.ZRem(ctx, delayKey(tenant), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "move due")
	}
	return ids, nil
}

// releaseScript deletes a lease only if the caller still holds it, so a
// zombie worker cannot release a lease that reconciliation already handed
// to someone else.
var releaseScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SetLease stamps the worker's exclusive claim on the job for ttl.
func (q *RedisQ) SetLease(ctx context.Context, jobID, workerID string, ttl time.Duration) error {
	return errors.Wrap(q.rdb.Set(ctx, leaseKey(jobID), workerID, ttl).Err(), "set lease")
}

// LeaseHolder returns the worker currently holding the job's lease, or
// ok=false if no live lease exists.
func (q *RedisQ) LeaseHolder(ctx context.Context, jobID string) (string, bool, error) {
	holder, err := q.rdb.Get(ctx, leaseKey(jobID)).Result()
	if err == r.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "get lease")
	}
	return holder, true, nil
}

// ReleaseLease deletes the lease if and only if workerID still holds it.
// Returns false when the lease was already gone or held by someone else.
func (q *RedisQ) ReleaseLease(ctx context.Context, jobID, workerID string) (bool, error) {
	n, err := releaseScript.Run(ctx, q.rdb, []string{leaseKey(jobID)}, workerID).Int()
	if err != nil {
		return false, errors.Wrap(err, "release lease")
	}
	return n == 1, nil
}

// ClearLease unconditionally removes any lease for the job. Reserved for
// reconciliation and backlog trimming, which act on jobs no worker owns.
func (q *RedisQ) ClearLease(ctx context.Context, jobID string) error {
	return errors.Wrap(q.rdb.Del(ctx, leaseKey(jobID)).Err(), "clear lease")
}
