package dispatch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hatchq/hatchq/internal/domain"
	"github.com/hatchq/hatchq/internal/notify"
)

// Retrier decides what happens to a failed job: re-enqueue with
// exponential backoff, or park it in the dead-letter store.
type Retrier struct {
	store      Store
	broker     Broker
	pub        notify.Publisher
	log        *zap.Logger
	backoffCap time.Duration
}

func NewRetrier(store Store, broker Broker, pub notify.Publisher, log *zap.Logger, backoffCap time.Duration) *Retrier {
	if backoffCap <= 0 {
		backoffCap = time.Minute
	}
	return &Retrier{store: store, broker: broker, pub: pub, log: log, backoffCap: backoffCap}
}

// Backoff returns min(base * 2^attempt, cap).
func (r *Retrier) Backoff(baseMs, attempt int) time.Duration {
	d := time.Duration(baseMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= r.backoffCap {
			return r.backoffCap
		}
	}
	if d > r.backoffCap {
		d = r.backoffCap
	}
	return d
}

// OnFailure applies the retry state machine to a job that just failed
// while held by workerID.
func (r *Retrier) OnFailure(ctx context.Context, job *domain.Job, workerID string, jobErr error) {
	msg := jobErr.Error()

	if !domain.IsPermanent(jobErr) && job.RetryCount < job.MaxRetries {
		attempt := job.RetryCount + 1
		delay := r.Backoff(job.RetryDelayMs, attempt)

		// The delay entry goes in first. If the status flip below loses a
		// race, the id still surfaces on the queue later and the
		// conditional pending->processing update screens it out.
		if err := r.broker.ScheduleRetry(ctx, job.TenantID, job.ID, time.Now().Add(delay)); err != nil {
			r.log.Error("retry not scheduled", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		err := r.store.MarkRetrying(ctx, job.ID, attempt, msg)
		switch {
		case errors.Is(err, domain.ErrConflict):
			r.log.Debug("retry transition lost race", zap.String("job_id", job.ID))
		case err != nil:
			r.log.Error("retry transition failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		if _, err := r.broker.ReleaseLease(ctx, job.ID, workerID); err != nil {
			r.log.Warn("lease release failed", zap.String("job_id", job.ID), zap.Error(err))
		}

		r.publish(ctx, job, domain.StatusRetrying, msg)
		r.log.Info("job scheduled for retry",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", job.MaxRetries),
			zap.Duration("delay", delay),
			zap.String("error", msg))
		return
	}

	// Retries exhausted (or the failure is permanent): snapshot and park.
	if _, err := r.store.DeadLetter(ctx, job, msg); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			r.log.Debug("dead letter lost race", zap.String("job_id", job.ID))
		} else {
			r.log.Error("dead letter failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}
	if _, err := r.broker.ReleaseLease(ctx, job.ID, workerID); err != nil {
		r.log.Warn("lease release failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	r.publish(ctx, job, domain.StatusDeadLetter, msg)
	r.log.Warn("job dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.Int("retry_count", job.RetryCount),
		zap.String("error", msg))
}

func (r *Retrier) publish(ctx context.Context, job *domain.Job, status domain.Status, errMsg string) {
	ev := domain.StatusEvent{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	if err := r.pub.PublishStatus(ctx, ev); err != nil {
		r.log.Warn("status publish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
