// Package notify publishes job status transitions to an external
// real-time gateway. Publication is fire-and-forget: a failed publish is
// logged by the caller and never rolls back the transition that caused it.
package notify

import (
	"context"

	"github.com/hatchq/hatchq/internal/domain"
)

// Publisher delivers status events to a notification channel.
type Publisher interface {
	PublishStatus(ctx context.Context, ev domain.StatusEvent) error
	Close() error
}

// Noop discards every event. Used in tests and when no gateway is wired.
type Noop struct{}

func (Noop) PublishStatus(context.Context, domain.StatusEvent) error { return nil }
func (Noop) Close() error                                            { return nil }
