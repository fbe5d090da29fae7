package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Channel is the Redis pub/sub channel carrying a clinic's change signals.
func Channel(clinicID string) string {
	return "clinic:" + clinicID + ":tasks"
}

// RedisPublisher publishes change signals for other processes. Attach it to a
// Bus when the store itself cannot notify (SQLite, memory).
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, clinicID string) error {
	if err := p.client.Publish(ctx, Channel(clinicID), "changed").Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel(clinicID), err)
	}
	return nil
}

// RedisFeed subscribes to the channels written by RedisPublisher.
type RedisFeed struct {
	client *redis.Client
	log    logrus.FieldLogger
}

func NewRedisFeed(client *redis.Client, log logrus.FieldLogger) *RedisFeed {
	return &RedisFeed{client: client, log: log}
}

// Subscribe opens one Redis subscription per caller. It returns once Redis has
// confirmed the subscription, so no change published afterwards is missed.
func (f *RedisFeed) Subscribe(ctx context.Context, clinicID string, onChange func()) (Unsubscribe, error) {
	ps := f.client.Subscribe(ctx, Channel(clinicID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(clinicID), err)
	}

	s := newSubscription(ctx, onChange)
	msgs := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-s.done:
				return
			case _, ok := <-msgs:
				if !ok {
					f.log.WithField("clinic_id", clinicID).Debug("redis subscription closed")
					s.close()
					return
				}
				s.notify()
			}
		}
	}()
	return s.close, nil
}
