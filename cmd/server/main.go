package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinic-tasks/internal/api"
	"clinic-tasks/internal/config"
	"clinic-tasks/internal/db"
	"clinic-tasks/internal/logger"
	"clinic-tasks/pkg/engine"
	"clinic-tasks/pkg/rollover"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	log := logger.New("clinic-tasks", cfg.LogLevel)
	loc, _ := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := db.Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open storage")
	}
	defer stores.Close()

	changes, err := db.OpenChanges(ctx, stores, cfg.RedisURL, log)
	if err != nil {
		log.WithError(err).Fatal("open change feed")
	}
	defer changes.Close()
	go func() {
		if err := changes.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("change feed stopped")
		}
	}()

	svc := engine.New(changes.Tasks, stores.Staff, log, engine.Options{ConditionalWrites: cfg.ConditionalWrites})

	ro := rollover.New(changes.Tasks, loc, log)
	sched := rollover.NewScheduler(loc)
	id, err := ro.Daily(ctx, sched, cfg.RolloverSpec, cfg.Clinics)
	if err != nil {
		log.WithError(err).Fatal("schedule rollover")
	}
	sched.Start()
	defer sched.Stop()
	log.WithField("next", sched.Next(id)).Info("rollover scheduled")

	srv := &http.Server{
		Addr: cfg.HTTPAddress,
		Handler: api.New(svc, changes.Tasks, stores.Staff, changes.Feed, log, api.Options{
			Location:   loc,
			WindowDays: cfg.WindowDays,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	log.WithField("addr", cfg.HTTPAddress).Info("clinic-tasks listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("listen")
		os.Exit(1)
	}
}
