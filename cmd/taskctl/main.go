// Command taskctl drives the task engine from a shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"clinic-tasks/internal/config"
	"clinic-tasks/internal/db"
	"clinic-tasks/internal/logger"
	"clinic-tasks/pkg/assistant"
	"clinic-tasks/pkg/authority"
	"clinic-tasks/pkg/board"
	"clinic-tasks/pkg/engine"
	"clinic-tasks/pkg/lifecycle"
	"clinic-tasks/pkg/reconcile"
	"clinic-tasks/pkg/rollover"
	"clinic-tasks/pkg/task"
)

type env struct {
	cfg   config.Config
	log   logrus.FieldLogger
	tasks task.Store
	staff assistant.Store
	svc   *engine.Service
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.MustLoad(os.Getenv("CONFIG_PATH"))
	log := logger.New("taskctl", cfg.LogLevel)
	ctx := context.Background()

	stores, err := db.Open(ctx, cfg, log)
	if err != nil {
		fatal("open storage: %v", err)
	}
	defer stores.Close()
	changes, err := db.OpenChanges(ctx, stores, cfg.RedisURL, log)
	if err != nil {
		fatal("open change feed: %v", err)
	}
	defer changes.Close()

	e := &env{
		cfg:   cfg,
		log:   log,
		tasks: changes.Tasks,
		staff: stores.Staff,
		svc:   engine.New(changes.Tasks, stores.Staff, log, engine.Options{ConditionalWrites: cfg.ConditionalWrites}),
	}

	args := os.Args[2:]
	switch cmd := os.Args[1]; cmd {
	case "claim", "start", "complete", "undo", "put-back":
		handleCommand(ctx, e, lifecycle.Command(cmd), args)
	case "reassign":
		handleReassign(ctx, e, args)
	case "create":
		handleCreate(ctx, e, args)
	case "delete":
		handleDelete(ctx, e, args)
	case "assistant":
		handleAssistant(ctx, e, args)
	case "board":
		handleBoard(ctx, e, args)
	case "rollover":
		handleRollover(ctx, e, args)
	case "init":
		fmt.Println("tables ready")
	default:
		usage()
		os.Exit(1)
	}
}

func handleCommand(ctx context.Context, e *env, cmd lifecycle.Command, args []string) {
	id := positional(args, 0)
	if id == "" {
		fatal("Usage: taskctl %s <task-id> --as=<assistant>", cmd)
	}
	flags := parseFlags(args)
	row, err := e.svc.Run(ctx, flags["as"], id, cmd, "")
	if err != nil {
		fatal("%s: %v", cmd, err)
	}
	printJSON(row)
}

func handleReassign(ctx context.Context, e *env, args []string) {
	id := positional(args, 0)
	flags := parseFlags(args)
	if id == "" || flags["to"] == "" {
		fatal("Usage: taskctl reassign <task-id> --to=<assistant> --as=<owner>")
	}
	row, err := e.svc.ReassignTask(ctx, flags["as"], id, flags["to"])
	if err != nil {
		fatal("reassign: %v", err)
	}
	printJSON(row)
}

func handleCreate(ctx context.Context, e *env, args []string) {
	flags := parseFlags(args)
	t := task.Task{
		ClinicID:    flags["clinic"],
		Title:       flags["title"],
		Description: flags["description"],
		Category:    flags["category"],
		Priority:    task.Priority(flags["priority"]),
		DueType:     task.DueType(flags["due"]),
		Recurrence:  task.Recurrence(flags["recurrence"]),
		OwnerNotes:  flags["notes"],
	}
	if t.ClinicID == "" || t.Title == "" {
		fatal("--clinic and --title are required")
	}
	if a := flags["assign"]; a != "" {
		t.AssignedTo = task.Ref(a)
	}
	if d := flags["date"]; d != "" {
		loc, _ := e.cfg.Location()
		day, err := time.ParseInLocation(time.DateOnly, d, loc)
		if err != nil {
			fatal("--date: %v", err)
		}
		t.CustomDueDate = &day
	}
	if c := flags["checklist"]; c != "" {
		for _, item := range strings.Split(c, ";") {
			t.Checklist = append(t.Checklist, task.ChecklistItem{Text: strings.TrimSpace(item)})
		}
	}
	row, err := e.svc.CreateTask(ctx, flags["as"], &t)
	if err != nil {
		fatal("create: %v", err)
	}
	printJSON(row)
}

func handleDelete(ctx context.Context, e *env, args []string) {
	id := positional(args, 0)
	if id == "" {
		fatal("Usage: taskctl delete <task-id> --as=<owner>")
	}
	if err := e.svc.DeleteTask(ctx, parseFlags(args)["as"], id); err != nil {
		fatal("delete: %v", err)
	}
	fmt.Println("deleted", id)
}

func handleAssistant(ctx context.Context, e *env, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: taskctl assistant <register|list|remove>")
		os.Exit(1)
	}
	flags := parseFlags(args[1:])

	switch args[0] {
	case "register":
		role := authority.Role(flags["role"])
		if role == "" {
			role = authority.Assistant
		}
		a, err := e.staff.Register(ctx, flags["clinic"], flags["name"], flags["email"], role)
		if err != nil {
			fatal("register: %v", err)
		}
		printJSON(a)

	case "list":
		list, err := e.staff.List(ctx, flags["clinic"])
		if err != nil {
			fatal("list: %v", err)
		}
		if flags["format"] == "short" {
			for _, a := range list {
				fmt.Printf("%-36s  %-9s  %-5v  %s\n", a.ID, a.Role, a.IsActive, a.Name)
			}
			return
		}
		printJSON(list)

	case "remove":
		id := positional(args[1:], 0)
		if id == "" {
			fatal("Usage: taskctl assistant remove <assistant-id> --as=<owner>")
		}
		released, err := e.svc.RemoveAssistant(ctx, flags["as"], id)
		if err != nil {
			fatal("remove: %v", err)
		}
		printShortTasks(released)

	default:
		fatal("unknown assistant command %q", args[0])
	}
}

func handleBoard(ctx context.Context, e *env, args []string) {
	flags := parseFlags(args)
	if flags["clinic"] == "" || flags["as"] == "" {
		fatal("Usage: taskctl board --clinic=<id> --as=<assistant> [--from=YYYY-MM-DD] [--days=N]")
	}
	loc, _ := e.cfg.Location()
	from := time.Now().In(loc)
	if f := flags["from"]; f != "" {
		var err error
		if from, err = time.ParseInLocation(time.DateOnly, f, loc); err != nil {
			fatal("--from: %v", err)
		}
	}
	snap, err := board.Build(ctx, e.tasks, flags["clinic"], flags["as"], board.Days(from, intFlag(flags, "days", e.cfg.WindowDays)))
	if err != nil {
		fatal("board: %v", err)
	}
	for _, b := range []reconcile.Bucket{reconcile.Unassigned, reconcile.Mine, reconcile.CompletedByMe} {
		occ := snap.Board.Sorted(b)
		fmt.Printf("%s (%d)\n", b, len(occ))
		for _, o := range occ {
			fmt.Printf("  %-10s  %-6s  %-12s  %-40s  %s\n",
				o.Key.Date.Format(time.DateOnly), o.Task.Priority, o.Task.Status, truncStr(o.Task.Title, 40), o.ID())
		}
	}
}

func handleRollover(ctx context.Context, e *env, args []string) {
	flags := parseFlags(args)
	clinics := e.cfg.Clinics
	if c := flags["clinic"]; c != "" {
		clinics = strings.Split(c, ",")
	}
	if len(clinics) == 0 {
		fatal("no clinics: pass --clinic or set CLINIC_IDS")
	}
	loc, _ := e.cfg.Location()
	ro := rollover.New(e.tasks, loc, e.log)
	for _, c := range clinics {
		n, err := ro.Reset(ctx, c)
		if err != nil {
			fatal("rollover %s: %v", c, err)
		}
		fmt.Printf("%s: %d reset\n", c, n)
	}
}

// positional returns the i-th argument that is not a --flag.
func positional(args []string, i int) string {
	for _, a := range args {
		if strings.HasPrefix(a, "--") {
			continue
		}
		if i == 0 {
			return a
		}
		i--
	}
	return ""
}

func parseFlags(args []string) map[string]string {
	flags := make(map[string]string)
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		arg = strings.TrimPrefix(arg, "--")
		if idx := strings.Index(arg, "="); idx >= 0 {
			flags[arg[:idx]] = arg[idx+1:]
		} else {
			flags[arg] = ""
		}
	}
	return flags
}

func intFlag(flags map[string]string, key string, defaultVal int) int {
	if v, ok := flags[key]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encode JSON: %v", err)
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

func printShortTasks(tasks []task.Task) {
	for _, t := range tasks {
		fmt.Printf("%-8s  %-12s  %s\n", truncStr(t.ID, 8), t.Status, truncStr(t.Title, 60))
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "taskctl: "+format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: taskctl <command>

Commands:
  claim|start|complete|undo|put-back <id> --as=<assistant>
  reassign <id> --to=<assistant> --as=<owner>
  create     --clinic --title [--priority --due --date --recurrence --assign --checklist="a;b"] --as=<owner>
  delete     <id> --as=<owner>
  assistant  Staff operations (register, list, remove)
  board      Show one assistant's board
  rollover   Reset completed recurring tasks whose period has passed
  init       Initialize database tables`)
}
