package notify

import (
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// New builds the publisher selected by configuration.
func New(driver string, rdb *r.Client, amqpURL, exchange string) (Publisher, error) {
	switch driver {
	case "redis":
		return NewRedisPublisher(rdb), nil
	case "amqp":
		return NewAMQPPublisher(amqpURL, exchange)
	case "", "none":
		return Noop{}, nil
	default:
		return nil, errors.Errorf("unknown notifier driver %q", driver)
	}
}
