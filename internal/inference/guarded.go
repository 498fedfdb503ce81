package inference

import (
	"context"
	"time"

	"github.com/hatchq/hatchq/internal/domain"
	"github.com/hatchq/hatchq/internal/guard"
)

// Guarded wraps a Client with the two-layer overload protection stack:
// the strict token bucket in front, the circuit breaker around the call
// itself. Every worker shares the same Redis-backed state, so the
// provider sees one coordinated client, not N independent ones.
type Guarded struct {
	client  Client
	limiter *guard.Limiter
	breaker *guard.Breaker
	policy  guard.Policy
	timeout time.Duration
}

func NewGuarded(client Client, limiter *guard.Limiter, breaker *guard.Breaker, policy guard.Policy, timeout time.Duration) *Guarded {
	return &Guarded{client: client, limiter: limiter, breaker: breaker, policy: policy, timeout: timeout}
}

func (g *Guarded) Complete(ctx context.Context, req Request) (Response, error) {
	key := req.Model
	if key == "" {
		key = "default"
	}

	d, err := g.limiter.Acquire(ctx, g.policy, key)
	if err != nil {
		return Response{}, err
	}
	if d.Deferred {
		// Accepted but deferred: surface as a rate-limit error so the
		// retry machine re-enqueues the job with backoff instead of
		// hammering the provider.
		return Response{}, &domain.RateLimitError{Key: key, Remaining: d.Remaining, ResetAt: d.ResetAt}
	}

	var resp Response
	err = g.breaker.Execute(ctx, "inference:"+key, g.timeout, func(opCtx context.Context) error {
		var opErr error
		resp, opErr = g.client.Complete(opCtx, req)
		return opErr
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}
