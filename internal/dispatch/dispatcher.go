// Package dispatch runs the worker loop: fair blocking dequeue across all
// tenant queues, lease stamping, handler execution, and the retry /
// dead-letter state machine for failures.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hatchq/hatchq/internal/domain"
	"github.com/hatchq/hatchq/internal/notify"
)

// Store is the slice of the job store the dispatcher needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	MarkProcessing(ctx context.Context, id, workerID string) error
	MarkCompleted(ctx context.Context, id, workerID string, output json.RawMessage) error
	MarkRetrying(ctx context.Context, id string, retryCount int, errMsg string) error
	DeadLetter(ctx context.Context, j *domain.Job, errMsg string) (*domain.DeadLetterRecord, error)
}

// Broker is the slice of the queue broker the dispatcher needs.
type Broker interface {
	Tenants(ctx context.Context) ([]string, error)
	Dequeue(ctx context.Context, tenants []string, block time.Duration) (tenant, jobID string, ok bool, err error)
	SetLease(ctx context.Context, jobID, workerID string, ttl time.Duration) error
	LeaseHolder(ctx context.Context, jobID string) (string, bool, error)
	ReleaseLease(ctx context.Context, jobID, workerID string) (bool, error)
	ScheduleRetry(ctx context.Context, tenant, jobID string, at time.Time) error
}

type Options struct {
	Concurrency    int
	DequeueBlock   time.Duration
	IdleWarnCycles int
}

// Dispatcher runs N independent worker loops over the shared broker.
// Coordination happens entirely through the broker's atomic primitives;
// there is no in-process lock around job state.
type Dispatcher struct {
	store    Store
	broker   Broker
	registry *Registry
	retrier  *Retrier
	pub      notify.Publisher
	log      *zap.Logger
	opts     Options
}

func NewDispatcher(store Store, broker Broker, registry *Registry, retrier *Retrier, pub notify.Publisher, log *zap.Logger, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DequeueBlock <= 0 {
		opts.DequeueBlock = 10 * time.Second
	}
	if opts.IdleWarnCycles <= 0 {
		opts.IdleWarnCycles = 30
	}
	return &Dispatcher{
		store: store, broker: broker, registry: registry,
		retrier: retrier, pub: pub, log: log, opts: opts,
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (d *Dispatcher) Run(ctx context.Context) error {
	hostname, _ := os.Hostname()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Concurrency; i++ {
		w := &worker{
			id:         fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()[:8]),
			dispatcher: d,
			log:        d.log.With(zap.Int("worker", i)),
		}
		g.Go(func() error { return w.run(ctx) })
	}
	d.log.Info("dispatcher started", zap.Int("concurrency", d.opts.Concurrency))
	return g.Wait()
}

type worker struct {
	id         string
	dispatcher *Dispatcher
	log        *zap.Logger
}

// run is the unbounded worker loop. A broken handler or a broker hiccup
// never terminates it; only ctx cancellation does.
func (w *worker) run(ctx context.Context) error {
	d := w.dispatcher
	idle := 0
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping", zap.String("worker_id", w.id))
			return nil
		default:
		}

		tenants, err := d.broker.Tenants(ctx)
		if err != nil {
			w.log.Error("tenant discovery failed", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if len(tenants) == 0 {
			idle = w.idleTick(idle)
			sleep(ctx, d.opts.DequeueBlock)
			continue
		}

		tenant, jobID, ok, err := d.broker.Dequeue(ctx, tenants, d.opts.DequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Error("dequeue failed", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if !ok {
			idle = w.idleTick(idle)
			continue
		}
		idle = 0
		w.process(ctx, tenant, jobID)
	}
}

func (w *worker) idleTick(idle int) int {
	idle++
	if idle%w.dispatcher.opts.IdleWarnCycles == 0 {
		w.log.Warn("worker idle", zap.String("worker_id", w.id), zap.Int("empty_cycles", idle))
	}
	return idle
}

func (w *worker) process(ctx context.Context, tenant, jobID string) {
	d := w.dispatcher
	log := w.log.With(zap.String("job_id", jobID), zap.String("tenant_id", tenant))

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		// A dangling id (row trimmed or purged after enqueue) is dropped.
		log.Warn("dequeued job not loadable", zap.Error(err))
		return
	}

	// Lease first, before any work.
	ttl := job.VisibilityTimeout()
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if err := d.broker.SetLease(ctx, jobID, w.id, ttl); err != nil {
		log.Error("lease not stamped, requeueing", zap.Error(err))
		d.requeue(ctx, tenant, jobID, log)
		return
	}

	if err := d.store.MarkProcessing(ctx, jobID, w.id); err != nil {
		// Not pending anymore: trimmed, recovered, or a duplicate delivery.
		if _, rerr := d.broker.ReleaseLease(ctx, jobID, w.id); rerr != nil {
			log.Warn("lease release failed", zap.Error(rerr))
		}
		if errors.Is(err, domain.ErrConflict) {
			log.Debug("job no longer pending, skipping")
		} else {
			log.Error("processing transition failed", zap.Error(err))
		}
		return
	}
	w.publish(ctx, job, domain.StatusProcessing, nil, "")
	log.Info("job started", zap.String("type", job.Type), zap.String("worker_id", w.id))

	output, jobErr := w.execute(ctx, job, ttl)
	if jobErr != nil {
		d.retrier.OnFailure(ctx, job, w.id, jobErr)
		return
	}

	// Zombie protection: only commit while the lease is still ours. If
	// reconciliation recovered the job mid-flight a second attempt may
	// already be running, and this result must be discarded.
	holder, live, err := d.broker.LeaseHolder(ctx, jobID)
	if err != nil {
		log.Error("lease check failed, dropping result", zap.Error(err))
		return
	}
	if !live || holder != w.id {
		log.Warn("lease lost during execution, dropping stale completion",
			zap.String("holder", holder))
		return
	}
	if err := d.store.MarkCompleted(ctx, jobID, w.id, output); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Warn("completion lost race, result dropped")
		} else {
			log.Error("completion write failed", zap.Error(err))
		}
		return
	}
	if _, err := d.broker.ReleaseLease(ctx, jobID, w.id); err != nil {
		log.Warn("lease release failed", zap.Error(err))
	}
	w.publish(ctx, job, domain.StatusCompleted, output, "")
	log.Info("job completed", zap.String("type", job.Type))
}

// execute runs the handler with panic recovery and a deadline bounded by
// the job's visibility timeout.
func (w *worker) execute(ctx context.Context, job *domain.Job, ttl time.Duration) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()

	h, ok := w.dispatcher.registry.Get(job.Type)
	if !ok {
		return nil, domain.ErrUnknownJobType
	}

	hctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return h.Handle(hctx, job)
}

// requeue puts a job id back at the queue head after a pre-processing
// failure, so the dequeue did not lose it.
func (d *Dispatcher) requeue(ctx context.Context, tenant, jobID string, log *zap.Logger) {
	if err := d.broker.ScheduleRetry(ctx, tenant, jobID, time.Now()); err != nil {
		log.Error("requeue failed, job will be recovered by reconciliation", zap.Error(err))
	}
}

func (w *worker) publish(ctx context.Context, job *domain.Job, status domain.Status, result json.RawMessage, errMsg string) {
	ev := domain.StatusEvent{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Status:    status,
		Result:    result,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	if err := w.dispatcher.pub.PublishStatus(ctx, ev); err != nil {
		w.log.Warn("status publish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
