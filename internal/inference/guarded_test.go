package inference

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hatchq/hatchq/internal/domain"
	"github.com/hatchq/hatchq/internal/guard"
)

type mockClient struct {
	calls atomic.Int64
	resp  Response
	err   error
}

func (m *mockClient) Complete(context.Context, Request) (Response, error) {
	m.calls.Add(1)
	return m.resp, m.err
}

func newGuarded(t *testing.T, client Client, policy guard.Policy, threshold int64) *Guarded {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	limiter := guard.NewLimiter(rdb, zap.NewNop())
	breaker := guard.NewBreaker(rdb, zap.NewNop(), threshold, time.Minute)
	return NewGuarded(client, limiter, breaker, policy, time.Second)
}

func strictPolicy(rate, burst float64) guard.Policy {
	return guard.Policy{Name: "inference", Rate: rate, Burst: burst, Mode: guard.ModeQueue}
}

func TestComplete_PassesThroughUnderLimit(t *testing.T) {
	client := &mockClient{resp: Response{Completion: "hi there", Model: "m1"}}
	g := newGuarded(t, client, strictPolicy(2, 5), 5)

	resp, err := g.Complete(context.Background(), Request{Model: "m1", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Completion)
	assert.Equal(t, int64(1), client.calls.Load())
}

func TestComplete_DeferredWhenBucketEmpty(t *testing.T) {
	client := &mockClient{resp: Response{Completion: "ok"}}
	g := newGuarded(t, client, strictPolicy(1, 2), 5)
	ctx := context.Background()

	req := Request{Model: "m1", Prompt: "hello"}
	for i := 0; i < 2; i++ {
		_, err := g.Complete(ctx, req)
		require.NoError(t, err)
	}

	// Burst spent: the next call is deferred, not sent to the provider.
	_, err := g.Complete(ctx, req)
	require.Error(t, err)

	var rle *domain.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "m1", rle.Key)
	assert.False(t, rle.ResetAt.IsZero())
	assert.Equal(t, int64(2), client.calls.Load(), "deferred call must not reach the provider")
}

func TestComplete_RateLimitIsPerModel(t *testing.T) {
	client := &mockClient{resp: Response{Completion: "ok"}}
	g := newGuarded(t, client, strictPolicy(1, 1), 5)
	ctx := context.Background()

	_, err := g.Complete(ctx, Request{Model: "m1", Prompt: "p"})
	require.NoError(t, err)
	_, err = g.Complete(ctx, Request{Model: "m1", Prompt: "p"})
	require.Error(t, err)

	_, err = g.Complete(ctx, Request{Model: "m2", Prompt: "p"})
	assert.NoError(t, err, "one model's bucket must not throttle another")
}

func TestComplete_BreakerOpensOnRepeatedFailure(t *testing.T) {
	client := &mockClient{err: errors.New("provider down")}
	g := newGuarded(t, client, strictPolicy(100, 100), 2)
	ctx := context.Background()

	req := Request{Model: "m1", Prompt: "p"}
	for i := 0; i < 2; i++ {
		_, err := g.Complete(ctx, req)
		require.Error(t, err)
	}

	_, err := g.Complete(ctx, req)
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, int64(2), client.calls.Load(), "open circuit must fail fast")
}

func TestComplete_EmptyModelUsesDefaultKey(t *testing.T) {
	client := &mockClient{resp: Response{Completion: "ok"}}
	g := newGuarded(t, client, strictPolicy(1, 1), 5)
	ctx := context.Background()

	_, err := g.Complete(ctx, Request{Prompt: "p"})
	require.NoError(t, err)

	_, err = g.Complete(ctx, Request{Prompt: "p"})
	var rle *domain.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "default", rle.Key)
}

func TestHandler_BadPayloadIsPermanent(t *testing.T) {
	h := NewHandler(&mockClient{})

	_, err := h.Handle(context.Background(), &domain.Job{
		ID:        "j1",
		InputData: json.RawMessage(`{not json`),
	})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
}

func TestHandler_MissingPromptIsPermanent(t *testing.T) {
	h := NewHandler(&mockClient{})

	_, err := h.Handle(context.Background(), &domain.Job{
		ID:        "j1",
		InputData: json.RawMessage(`{"model":"m1"}`),
	})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
}

func TestHandler_ProviderErrorStaysRetryable(t *testing.T) {
	h := NewHandler(&mockClient{err: errors.New("timeout")})

	_, err := h.Handle(context.Background(), &domain.Job{
		ID:        "j1",
		InputData: json.RawMessage(`{"model":"m1","prompt":"hello"}`),
	})
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
}

func TestHandler_EncodesCompletion(t *testing.T) {
	h := NewHandler(&mockClient{resp: Response{Completion: "done", Model: "m1"}})

	out, err := h.Handle(context.Background(), &domain.Job{
		ID:        "j1",
		InputData: json.RawMessage(`{"model":"m1","prompt":"hello"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"completion":"done","model":"m1"}`, string(out))
}
