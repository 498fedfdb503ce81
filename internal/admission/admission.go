// Package admission gates job submissions on per-tenant backlog caps and
// trims queues that grow past them anyway.
package admission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hatchq/hatchq/internal/domain"
	"github.com/hatchq/hatchq/internal/notify"
	"github.com/hatchq/hatchq/internal/storage"
)

// Store is the slice of the job store admission needs.
type Store interface {
	InsertJob(ctx context.Context, p storage.InsertJobParams) (*domain.Job, error)
	MarkFailed(ctx context.Context, id string, from domain.Status, reason string) error
}

// Broker is the slice of the queue broker admission needs.
type Broker interface {
	Len(ctx context.Context, tenant string) (int64, error)
	Push(ctx context.Context, tenant, jobID string) error
	RegisterTenant(ctx context.Context, tenant string) error
	Tenants(ctx context.Context) ([]string, error)
	TrimOldest(ctx context.Context, tenant string, n int64) ([]string, error)
	ClearLease(ctx context.Context, jobID string) error
}

type Options struct {
	MaxBacklog                 int64
	RetryAfter                 time.Duration
	DefaultMaxRetries          int
	DefaultRetryDelayMs        int
	DefaultVisibilityTimeoutMs int
}

// Controller enforces the admission contract: a submitter always gets a
// job id in pending, or an explicit backlog rejection with a retry hint.
type Controller struct {
	store  Store
	broker Broker
	pub    notify.Publisher
	log    *zap.Logger
	opts   Options
}

func NewController(store Store, broker Broker, pub notify.Publisher, log *zap.Logger, opts Options) *Controller {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	return &Controller{store: store, broker: broker, pub: pub, log: log, opts: opts}
}

type SubmitRequest struct {
	TenantID            string          `json:"tenant_id"`
	Type                string          `json:"type"`
	Priority            int             `json:"priority"`
	QueueName           string          `json:"queue_name"`
	InputData           json.RawMessage `json:"input_data"`
	MaxRetries          *int            `json:"max_retries,omitempty"`
	RetryDelayMs        *int            `json:"retry_delay_ms,omitempty"`
	VisibilityTimeoutMs *int            `json:"visibility_timeout_ms,omitempty"`
	ExpiresAt           *time.Time      `json:"expires_at,omitempty"`
}

// Submit is the synchronous admission gate: check the tenant's backlog,
// persist the row, push the id, register the tenant.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if req.TenantID == "" || req.Type == "" {
		return nil, errors.New("tenant_id and type are required")
	}

	backlog, err := c.broker.Len(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if backlog >= c.opts.MaxBacklog {
		return nil, &domain.BacklogError{
			TenantID:   req.TenantID,
			Backlog:    backlog,
			Limit:      c.opts.MaxBacklog,
			RetryAfter: c.opts.RetryAfter,
		}
	}

	params := storage.InsertJobParams{
		TenantID:            req.TenantID,
		Type:                req.Type,
		Priority:            req.Priority,
		QueueName:           req.QueueName,
		InputData:           req.InputData,
		MaxRetries:          c.opts.DefaultMaxRetries,
		RetryDelayMs:        c.opts.DefaultRetryDelayMs,
		VisibilityTimeoutMs: c.opts.DefaultVisibilityTimeoutMs,
		ExpiresAt:           req.ExpiresAt,
	}
	if params.QueueName == "" {
		params.QueueName = "default"
	}
	if req.MaxRetries != nil {
		params.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelayMs != nil {
		params.RetryDelayMs = *req.RetryDelayMs
	}
	if req.VisibilityTimeoutMs != nil {
		params.VisibilityTimeoutMs = *req.VisibilityTimeoutMs
	}

	job, err := c.store.InsertJob(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := c.broker.Push(ctx, job.TenantID, job.ID); err != nil {
		// The row exists but never reached the queue; fail it rather than
		// leave a silent orphan the caller would poll forever.
		if ferr := c.store.MarkFailed(ctx, job.ID, domain.StatusPending, "enqueue failed"); ferr != nil {
			c.log.Error("orphaned job after push failure",
				zap.String("job_id", job.ID), zap.Error(ferr))
		}
		return nil, err
	}
	if err := c.broker.RegisterTenant(ctx, job.TenantID); err != nil {
		c.log.Warn("tenant registration failed",
			zap.String("tenant_id", job.TenantID), zap.Error(err))
	}

	c.publish(ctx, job, "")
	return job, nil
}

// EnforceBacklogs is the asynchronous backstop: any tenant queue still
// over the cap loses its oldest excess entries, and each trimmed row is
// failed with an explicit reason.
func (c *Controller) EnforceBacklogs(ctx context.Context) error {
	tenants, err := c.broker.Tenants(ctx)
	if err != nil {
		return err
	}

	for _, tenant := range tenants {
		n, err := c.broker.Len(ctx, tenant)
		if err != nil {
			c.log.Error("backlog check failed", zap.String("tenant_id", tenant), zap.Error(err))
			continue
		}
		excess := n - c.opts.MaxBacklog
		if excess <= 0 {
			continue
		}

		trimmed, err := c.broker.TrimOldest(ctx, tenant, excess)
		if err != nil {
			c.log.Error("backlog trim failed", zap.String("tenant_id", tenant), zap.Error(err))
			continue
		}
		for _, id := range trimmed {
			if err := c.broker.ClearLease(ctx, id); err != nil {
				c.log.Warn("lease clear failed", zap.String("job_id", id), zap.Error(err))
			}
			err := c.store.MarkFailed(ctx, id, domain.StatusPending, "backlog limit exceeded")
			switch {
			case errors.Is(err, domain.ErrConflict):
				// Already moved on; trimming must stay idempotent.
			case err != nil:
				c.log.Error("trimmed job not failed", zap.String("job_id", id), zap.Error(err))
			default:
				c.pubFailed(ctx, tenant, id, "backlog limit exceeded")
			}
		}
		c.log.Warn("backlog trimmed",
			zap.String("tenant_id", tenant),
			zap.Int64("excess", excess),
			zap.Int("trimmed", len(trimmed)))
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, job *domain.Job, errMsg string) {
	ev := domain.StatusEvent{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Status:    job.Status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	if err := c.pub.PublishStatus(ctx, ev); err != nil {
		c.log.Warn("status publish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (c *Controller) pubFailed(ctx context.Context, tenant, jobID, reason string) {
	ev := domain.StatusEvent{
		JobID:     jobID,
		TenantID:  tenant,
		Status:    domain.StatusFailed,
		Error:     reason,
		Timestamp: time.Now().UTC(),
	}
	if err := c.pub.PublishStatus(ctx, ev); err != nil {
		c.log.Warn("status publish failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
