package db

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"clinic-tasks/pkg/notify"
	"clinic-tasks/pkg/task"
)

// Changes pairs the task store a process should write through with the feed
// it should read change signals from.
type Changes struct {
	Tasks task.Store
	Feed  notify.Feed

	listener *notify.PgListener
	redis    *redis.Client
}

// Run blocks while the feed needs a background loop (Postgres LISTEN).
func (c *Changes) Run(ctx context.Context) error {
	if c.listener == nil {
		<-ctx.Done()
		return nil
	}
	return c.listener.Run(ctx)
}

func (c *Changes) Close() {
	if c.redis != nil {
		c.redis.Close()
	}
}

// OpenChanges picks the change feed for s:
//
//   - postgres: the table trigger notifies, a PgListener fans out
//   - redis URL set: writes publish to Redis, subscribers read from Redis
//   - otherwise: an in-process Bus
func OpenChanges(ctx context.Context, s *Stores, redisURL string, log logrus.FieldLogger) (*Changes, error) {
	if s.Pool != nil {
		l := notify.NewPgListener(s.Pool, log)
		return &Changes{Tasks: s.Tasks, Feed: l, listener: l}, nil
	}
	if redisURL != "" {
		rc, err := Redis(ctx, redisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		bus := notify.NewBus(s.Tasks, log, notify.NewRedisPublisher(rc))
		return &Changes{Tasks: bus, Feed: notify.NewRedisFeed(rc, log), redis: rc}, nil
	}
	bus := notify.NewBus(s.Tasks, log)
	return &Changes{Tasks: bus, Feed: bus}, nil
}
