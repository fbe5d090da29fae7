package board

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"clinic-tasks/pkg/notify"
)

// Syncer refreshes a Cache on every change signal and, as a fallback for
// missed signals, every Interval.
type Syncer struct {
	Cache    *Cache
	Feed     notify.Feed
	Interval time.Duration
	Log      logrus.FieldLogger
}

// Run blocks until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	kick := make(chan struct{}, 1)
	unsub, err := s.Feed.Subscribe(ctx, s.Cache.ClinicID(), func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe clinic %s: %w", s.Cache.ClinicID(), err)
	}
	defer unsub()

	log := s.Log.WithFields(logrus.Fields{"clinic_id": s.Cache.ClinicID(), "actor": s.Cache.ActorID()})
	log.Info("board sync running")

	// Catch up immediately on startup
	s.refresh(ctx, log)

	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("board sync stopped")
			return nil
		case <-kick:
			s.refresh(ctx, log)
		case <-ticker.C:
			s.refresh(ctx, log)
		}
	}
}

func (s *Syncer) refresh(ctx context.Context, log logrus.FieldLogger) {
	if err := s.Cache.Refresh(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("board refresh failed")
	}
}
