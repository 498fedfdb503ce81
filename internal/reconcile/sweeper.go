// Package reconcile recovers jobs lost to crashed or stalled workers and
// moves delayed retries back onto the live queues. Every transition is a
// conditional update, so re-running a sweep over already-resolved jobs is
// a no-op.
package reconcile

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hatchq/hatchq/internal/domain"
	"github.com/hatchq/hatchq/internal/notify"
)

const recoveredReason = "recovered after timeout"

// Store is the slice of the job store the sweeper needs.
type Store interface {
	StaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Job, error)
	MarkFailed(ctx context.Context, id string, from domain.Status, reason string) error
	MarkPending(ctx context.Context, id string) error
}

// Broker is the slice of the queue broker the sweeper needs.
type Broker interface {
	Tenants(ctx context.Context) ([]string, error)
	MoveDue(ctx context.Context, tenant string, now time.Time, batch int64) ([]string, error)
	LeaseHolder(ctx context.Context, jobID string) (string, bool, error)
	ClearLease(ctx context.Context, jobID string) error
}

// BacklogEnforcer is the admission controller's trimming backstop.
type BacklogEnforcer interface {
	EnforceBacklogs(ctx context.Context) error
}

type Options struct {
	StaleAfter time.Duration
	Batch      int
}

type Sweeper struct {
	store    Store
	broker   Broker
	enforcer BacklogEnforcer
	pub      notify.Publisher
	log      *zap.Logger
	opts     Options
}

func NewSweeper(store Store, broker Broker, enforcer BacklogEnforcer, pub notify.Publisher, log *zap.Logger, opts Options) *Sweeper {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.Batch <= 0 {
		opts.Batch = 500
	}
	return &Sweeper{store: store, broker: broker, enforcer: enforcer, pub: pub, log: log, opts: opts}
}

// Sweep performs one reconciliation pass: promote due retries, recover
// stale in-flight jobs, enforce backlog caps.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if err := s.moveDueRetries(ctx); err != nil {
		s.log.Error("retry promotion failed", zap.Error(err))
	}
	if err := s.recoverStale(ctx); err != nil {
		s.log.Error("stale recovery failed", zap.Error(err))
	}
	if s.enforcer != nil {
		if err := s.enforcer.EnforceBacklogs(ctx); err != nil {
			s.log.Error("backlog enforcement failed", zap.Error(err))
		}
	}
	return nil
}

// moveDueRetries moves delayed job ids whose backoff has elapsed back onto
// their tenant queue and flips the rows retrying -> pending.
func (s *Sweeper) moveDueRetries(ctx context.Context) error {
	tenants, err := s.broker.Tenants(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, tenant := range tenants {
		ids, err := s.broker.MoveDue(ctx, tenant, now, int64(s.opts.Batch))
		if err != nil {
			s.log.Error("move due failed", zap.String("tenant_id", tenant), zap.Error(err))
			continue
		}
		for _, id := range ids {
			err := s.store.MarkPending(ctx, id)
			switch {
			case errors.Is(err, domain.ErrConflict):
				// Row is no longer retrying; the conditional dequeue
				// transition will screen the id out.
			case err != nil:
				s.log.Error("pending transition failed", zap.String("job_id", id), zap.Error(err))
			}
		}
		if len(ids) > 0 {
			s.log.Info("due retries promoted",
				zap.String("tenant_id", tenant), zap.Int("count", len(ids)))
		}
	}
	return nil
}

// recoverStale fails in-flight jobs whose worker disappeared: status still
// processing past the staleness threshold with no live lease. This is the
// progress guarantee when a worker dies mid-job.
func (s *Sweeper) recoverStale(ctx context.Context) error {
	stale, err := s.store.StaleProcessing(ctx, time.Now().Add(-s.opts.StaleAfter), s.opts.Batch)
	if err != nil {
		return err
	}

	for _, job := range stale {
		_, live, err := s.broker.LeaseHolder(ctx, job.ID)
		if err != nil {
			s.log.Error("lease check failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if live {
			// The worker is slow but alive; its lease has not expired.
			continue
		}

		err = s.store.MarkFailed(ctx, job.ID, domain.StatusProcessing, recoveredReason)
		switch {
		case errors.Is(err, domain.ErrConflict):
			continue // already resolved, sweep stays idempotent
		case err != nil:
			s.log.Error("recovery transition failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if err := s.broker.ClearLease(ctx, job.ID); err != nil {
			s.log.Warn("residual lease clear failed", zap.String("job_id", job.ID), zap.Error(err))
		}

		ev := domain.StatusEvent{
			JobID:     job.ID,
			TenantID:  job.TenantID,
			Status:    domain.StatusFailed,
			Error:     recoveredReason,
			Timestamp: time.Now().UTC(),
		}
		if err := s.pub.PublishStatus(ctx, ev); err != nil {
			s.log.Warn("recovery publish failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		s.log.Warn("job recovered after worker loss",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
			zap.Stringp("worker_id", job.WorkerID))
	}
	return nil
}
