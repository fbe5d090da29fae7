package notify

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"clinic-tasks/pkg/task"
)

// testPool connects to CLINIC_TASKS_TEST_DATABASE_URL with a single pooled
// connection, or skips.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("CLINIC_TASKS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CLINIC_TASKS_TEST_DATABASE_URL not set")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	cfg.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestPgListenerLeavesNoListeningConnectionInPool(t *testing.T) {
	pool := testPool(t)
	log := logrus.New()
	log.SetOutput(io.Discard)
	l := NewPgListener(pool, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan struct{}, 1)
	if _, err := l.Subscribe(ctx, "c1", func() {
		select {
		case signals <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// Notify until the listener is up and relays one.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
waiting:
	for {
		select {
		case <-signals:
			break waiting
		case <-tick.C:
			if _, err := pool.Exec(context.Background(), "SELECT pg_notify($1, 'c1')", task.NotifyChannel); err != nil {
				t.Fatalf("notify: %v", err)
			}
		case <-deadline:
			t.Fatal("no change signal from the listener")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	var channels int
	if err := pool.QueryRow(context.Background(), "SELECT count(*) FROM pg_listening_channels()").Scan(&channels); err != nil {
		t.Fatalf("count channels: %v", err)
	}
	if channels != 0 {
		t.Errorf("pooled connection still listens on %d channel(s)", channels)
	}
}
