// Command board runs one assistant's device: it keeps a live board for a
// clinic and accepts task commands on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clinic-tasks/internal/config"
	"clinic-tasks/internal/db"
	"clinic-tasks/internal/logger"
	"clinic-tasks/pkg/board"
	"clinic-tasks/pkg/engine"
	"clinic-tasks/pkg/lifecycle"
	"clinic-tasks/pkg/reconcile"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	clinic := flag.String("clinic", "", "clinic id")
	assistantID := flag.String("assistant", "", "acting assistant id")
	flag.Parse()
	if *clinic == "" || *assistantID == "" {
		fmt.Fprintln(os.Stderr, "usage: board --clinic=<id> --assistant=<id>")
		os.Exit(2)
	}

	cfg := config.MustLoad(*configPath)
	log := logger.New("board", cfg.LogLevel)

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
	go changes.Run(ctx)

	cache := board.NewCache(changes.Tasks, *clinic, *assistantID, cfg.WindowDays, log)
	cache.OnChange(func(s board.Snapshot) { render(os.Stdout, s) })

	svc := engine.New(changes.Tasks, stores.Staff, log, engine.Options{
		ConditionalWrites: cfg.ConditionalWrites,
		Cache:             cache,
	})

	syncer := &board.Syncer{Cache: cache, Feed: changes.Feed, Interval: cfg.RefreshInterval, Log: log}
	go func() {
		if err := syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("sync stopped")
			stop()
		}
	}()

	go readCommands(ctx, svc, *assistantID, os.Stdin)
	<-ctx.Done()
	log.Info("board: shutting down")
}

// readCommands runs lines like "claim <id>" or "reassign <id> <assistant>".
func readCommands(ctx context.Context, svc *engine.Service, actorID string, in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			fmt.Fprintln(os.Stderr, "commands: claim|start|complete|undo|put-back <id>, reassign <id> <assistant>")
			continue
		}
		target := ""
		if len(fields) > 2 {
			target = fields[2]
		}
		cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		row, err := svc.Run(cmdCtx, actorID, fields[1], lifecycle.Command(fields[0]), target)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", fields[0], err)
			continue
		}
		fmt.Fprintf(os.Stderr, "%s %s: now %s\n", fields[0], row.ID, lifecycle.StateOf(row))
	}
}

func render(w io.Writer, s board.Snapshot) {
	fmt.Fprintf(w, "\n== board %s .. %s (#%d) ==\n",
		s.Window.From.Format(time.DateOnly), s.Window.To.Format(time.DateOnly), s.Seq)
	for _, b := range []reconcile.Bucket{reconcile.Unassigned, reconcile.Mine, reconcile.CompletedByMe} {
		occ := s.Board.Sorted(b)
		fmt.Fprintf(w, "-- %s (%d)\n", b, len(occ))
		for _, o := range occ {
			fmt.Fprintf(w, "%-10s  %-6s  %-12s  %-40s  %s\n",
				o.Key.Date.Format(time.DateOnly), o.Task.Priority, o.Task.Status, truncStr(o.Task.Title, 40), o.ID())
		}
	}
}

// truncStr cuts s to at most n runes.
func truncStr(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}
