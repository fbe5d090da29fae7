package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"clinic-tasks/pkg/task"
)

// PgListener turns Postgres NOTIFY messages on task.NotifyChannel into change
// signals. The trigger installed by task.PgStore.EnsureTable sends the clinic
// id as the payload, so writes from any process reach every listener.
type PgListener struct {
	pool  *pgxpool.Pool
	log   logrus.FieldLogger
	hub   hub
	Retry time.Duration
}

// NewPgListener creates a listener on pool. Call Run to start receiving.
func NewPgListener(pool *pgxpool.Pool, log logrus.FieldLogger) *PgListener {
	return &PgListener{pool: pool, log: log, Retry: 2 * time.Second}
}

func (l *PgListener) Subscribe(ctx context.Context, clinicID string, onChange func()) (Unsubscribe, error) {
	return l.hub.add(ctx, clinicID, onChange), nil
}

// Run takes one connection out of the pool and keeps it in LISTEN mode until ctx is done. A lost
// connection is re-established after Retry, and every subscriber is signalled
// since notifications sent in between are gone.
func (l *PgListener) Run(ctx context.Context) error {
	l.log.WithField("channel", task.NotifyChannel).Info("listening for task changes")
	first := true
	for {
		err := l.listen(ctx, !first)
		if ctx.Err() != nil {
			return nil
		}
		first = false
		l.log.WithError(err).Warn("task change listener lost; reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.Retry):
		}
	}
}

func (l *PgListener) listen(ctx context.Context, resync bool) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	// The connection stays subscribed until closed, so it never returns to
	// the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+task.NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", task.NotifyChannel, err)
	}
	if resync {
		l.hub.publishAll()
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.log.WithField("clinic_id", n.Payload).Debug("task change")
		l.hub.publish(n.Payload)
	}
}
