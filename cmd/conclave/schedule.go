package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/ppallis/conclave/internal/config"
	"github.com/ppallis/conclave/internal/schedule"
	"github.com/ppallis/conclave/internal/store"
)

func runSchedule(args []string) error {
	if len(args) == 0 {
		printScheduleUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "add":
		return scheduleAdd(db, args[1:])
	case "list":
		return scheduleList(db)
	case "rm":
		return scheduleRemove(db, args[1:])
	default:
		printScheduleUsage()
		return fmt.Errorf("unknown schedule command: %s", args[0])
	}
}

func printScheduleUsage() {
	fmt.Fprintf(os.Stderr, `Usage: conclave schedule <command>

Commands:
  add --name <name> --query <text> --cron <expr> | --every <duration> | --at <time>
      [--capability <name>]     Register a recurring query
  list                          List scheduled queries
  rm <id>                       Remove a scheduled query

The --at time format is "2006-01-02 15:04" in local time.
`)
}

func scheduleAdd(db *store.Store, args []string) error {
	var name, query, capability, raw string

	flagValue := func(i *int) (string, error) {
		if *i+1 >= len(args) {
			return "", fmt.Errorf("missing value for %s", args[*i])
		}
		*i++
		return args[*i], nil
	}

	var err error
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			name, err = flagValue(&i)
		case "--query":
			query, err = flagValue(&i)
		case "--capability":
			capability, err = flagValue(&i)
		case "--cron":
			var expr string
			if expr, err = flagValue(&i); err == nil {
				raw, err = schedule.Normalize(expr)
			}
		case "--every":
			var val string
			if val, err = flagValue(&i); err == nil {
				var d time.Duration
				if d, err = time.ParseDuration(val); err == nil {
					raw, err = specJSON(schedule.Spec{Kind: schedule.KindInterval, IntervalMs: d.Milliseconds()})
				}
			}
		case "--at":
			var val string
			if val, err = flagValue(&i); err == nil {
				var at time.Time
				if at, err = time.ParseInLocation("2006-01-02 15:04", val, time.Local); err == nil {
					raw, err = specJSON(schedule.Spec{Kind: schedule.KindOnce, AtMs: at.UnixMilli()})
				}
			}
		default:
			err = fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return err
		}
	}

	if name == "" || query == "" || raw == "" {
		return fmt.Errorf("usage: conclave schedule add --name <name> --query <text> --cron <expr> | --every <duration> | --at <time>")
	}

	q := &store.ScheduledQuery{
		ID:         uuid.NewString(),
		Name:       name,
		Schedule:   raw,
		Query:      query,
		Capability: capability,
		Status:     "active",
		NextRunAt:  schedule.NextRun(raw),
	}
	if err := db.SaveQuery(q); err != nil {
		return err
	}
	fmt.Printf("Scheduled %q (%s), id %s\n", name, schedule.Describe(raw), q.ID)
	return nil
}

func specJSON(spec schedule.Spec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func scheduleList(db *store.Store) error {
	queries, err := db.ListQueries()
	if err != nil {
		return err
	}
	if len(queries) == 0 {
		fmt.Println("No scheduled queries.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tSTATUS\tNEXT RUN\tLAST STATUS")
	for _, q := range queries {
		next := ""
		if q.NextRunAt != nil {
			next = q.NextRunAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", q.ID, q.Name, schedule.Describe(q.Schedule), q.Status, next, q.LastStatus)
	}
	return w.Flush()
}

func scheduleRemove(db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: conclave schedule rm <id>")
	}
	if err := db.DeleteQuery(args[0]); err != nil {
		return err
	}
	fmt.Printf("Scheduled query %s removed\n", args[0])
	return nil
}
