package notify

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/hatchq/hatchq/internal/domain"
)

const statusChannel = "jobs.status"

// RedisPublisher broadcasts status events over Redis pub/sub.
type RedisPublisher struct{ rdb *r.Client }

func NewRedisPublisher(rdb *r.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) PublishStatus(ctx context.Context, ev domain.StatusEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal status event")
	}
	return errors.Wrap(p.rdb.Publish(ctx, statusChannel, body).Err(), "publish status event")
}

// Close is a no-op; the client is owned by the caller.
func (p *RedisPublisher) Close() error { return nil }
