// Package db opens the storage backends selected by configuration.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"clinic-tasks/internal/config"
	"clinic-tasks/pkg/assistant"
	"clinic-tasks/pkg/task"
)

// Connect opens a pgx pool on url and checks it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// OpenSQLite opens a SQLite database through gorm, logging slow queries and
// errors to log.
func OpenSQLite(dsn string, log logrus.FieldLogger) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "clinic_tasks.db"
	}
	if err := ensureDirForSQLite(dsn); err != nil {
		return nil, err
	}

	dbLogger := logger.New(
		log,
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: dbLogger})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// ensureDirForSQLite creates the parent dir of a SQLite file if needed.
func ensureDirForSQLite(dsn string) error {
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	clean := strings.TrimPrefix(dsn, "file:")
	clean = strings.Split(clean, "?")[0]
	dir := filepath.Dir(clean)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create db dir %q: %w", dir, err)
	}
	return nil
}

// Redis parses a redis:// URL and pings the server.
func Redis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rc, nil
}

// Stores is the opened storage for one process.
type Stores struct {
	Tasks task.Store
	Staff assistant.Store
	// Pool is set for the postgres driver only; it also carries LISTEN.
	Pool  *pgxpool.Pool
	close func()
}

func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open opens the stores for cfg.DBDriver and makes sure their tables exist.
func Open(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*Stores, error) {
	var s *Stores
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		s = &Stores{Tasks: task.NewPgStore(pool), Staff: assistant.NewPgStore(pool), Pool: pool, close: pool.Close}
	case config.DriverSQLite:
		gdb, err := OpenSQLite(cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		s = &Stores{Tasks: task.NewGormStore(gdb), Staff: assistant.NewGormStore(gdb)}
		if sqlDB, err := gdb.DB(); err == nil {
			s.close = func() { sqlDB.Close() }
		}
	case config.DriverMemory:
		s = &Stores{Tasks: task.NewMemStore(), Staff: assistant.NewMemStore()}
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.DBDriver)
	}

	if err := s.Tasks.EnsureTable(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("ensure tasks table: %w", err)
	}
	if err := s.Staff.EnsureTable(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("ensure assistants table: %w", err)
	}
	return s, nil
}
