package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ppallis/conclave/internal/cache"
	"github.com/ppallis/conclave/internal/config"
	"github.com/ppallis/conclave/internal/dispatch"
	"github.com/ppallis/conclave/internal/events"
	"github.com/ppallis/conclave/internal/inference"
	"github.com/ppallis/conclave/internal/knowledge"
	"github.com/ppallis/conclave/internal/natsbus"
	"github.com/ppallis/conclave/internal/registry"
	"github.com/ppallis/conclave/internal/scheduler"
	"github.com/ppallis/conclave/internal/store"
	"github.com/ppallis/conclave/internal/swarm"
	"github.com/ppallis/conclave/internal/vault"
	"github.com/ppallis/conclave/internal/web"
	"github.com/ppallis/conclave/internal/worker"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("conclave %s\n", version)
		return
	case "serve":
		err = runServe()
	case "ask":
		err = runAsk(os.Args[2:])
	case "ingest":
		err = runIngest(os.Args[2:])
	case "schedule":
		err = runSchedule(os.Args[2:])
	case "vault":
		err = runVault(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: conclave <command>

Commands:
  serve      Start the swarm gateway service
  ask        Send a query to a running swarm
  ingest     Add documents to the knowledge base
  schedule   Manage recurring queries
  vault      Manage encrypted secrets
  backup     Archive the data directories
  restore    Restore from a backup archive
  version    Print version
`)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting conclave gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	// Agent roster
	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	if err := reg.Sync(db); err != nil {
		return fmt.Errorf("sync roster: %w", err)
	}
	slog.Info("roster loaded", "agents", reg.Len())

	// Activity log, mirrored onto the bus for external observers
	eventLog := events.New(cfg.Events.Capacity)
	eventLog.SetSubscriber(func(e events.Event) {
		_ = client.PublishJSON(natsbus.TopicEvent(e.Type), e)
	})

	// Inference client; the API key may reference a vault secret
	if vault.IsRef(cfg.Inference.APIKey) {
		v, err := vault.Open()
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
		key, err := vault.NewKeeper(v, db).Resolve(cfg.Inference.APIKey)
		if err != nil {
			return fmt.Errorf("resolve api key: %w", err)
		}
		cfg.Inference.APIKey = key
	}
	infer, err := inference.New(cfg.Inference)
	if err != nil {
		return fmt.Errorf("init inference: %w", err)
	}

	// Knowledge index and retriever
	idx, err := knowledge.Open(cfg.Knowledge.IndexPath, db)
	if err != nil {
		return fmt.Errorf("open knowledge index: %w", err)
	}
	defer idx.Close()
	retriever := knowledge.NewRetriever(idx, cfg.Knowledge, eventLog)
	retriever.SetReranker(infer)

	// Dispatcher
	disp := dispatch.New(client, reg, db, eventLog, cfg.Swarm)
	if err := disp.Start(); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer disp.Stop()

	// Coordinator; it doubles as the retriever's oracle
	results := cache.New[*swarm.Result](cfg.Cache.Size, cfg.Cache.TTL)
	coordinator := swarm.New(client, reg, disp, infer, results, db, eventLog)
	retriever.SetOracle(coordinator)

	// Workers, dependency stages first
	workers := make(map[string]*worker.Worker)
	spawn := func(meta registry.Metadata) error {
		w := worker.New(meta, client, infer, eventLog)
		if knowsIndex(meta) {
			w = w.WithKnowledge(retriever)
		}
		if err := w.Serve(ctx); err != nil {
			return err
		}
		workers[meta.ID] = w
		return nil
	}
	for _, stage := range reg.StartupOrder() {
		for _, id := range stage {
			if id == registry.RootID {
				continue
			}
			meta, ok := reg.Get(id)
			if !ok {
				continue
			}
			if err := spawn(meta); err != nil {
				return fmt.Errorf("start worker %s: %w", id, err)
			}
		}
		// Later stages may depend on these subscriptions being live.
		if err := client.Flush(); err != nil {
			return fmt.Errorf("flush subscriptions: %w", err)
		}
	}
	slog.Info("workers started", "count", len(workers))

	if err := coordinator.Serve(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coordinator.Stop()

	// Scheduler
	sched := scheduler.New(db, coordinator, eventLog, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, reg, disp, coordinator, results, eventLog, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	// History pruning
	go pruneHistory(ctx, db, cfg.Swarm.HistoryLimit)

	// SIGHUP reloads config and roster; SIGINT/SIGTERM shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			break
		}
		cfg = reload(cfg, db, reg, sched, workers, spawn)
	}
	cancel()

	for _, w := range workers {
		w.Stop()
	}
	// Drain lets queued replies flush before the connection drops.
	_ = client.Drain()
	return nil
}

// reload applies a SIGHUP: re-read the config and the roster, apply what can
// change at runtime and warn about what cannot.
func reload(old *config.Config, db *store.Store, reg *registry.Registry, sched *scheduler.Scheduler, workers map[string]*worker.Worker, spawn func(registry.Metadata) error) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return old
	}
	d := config.Diff(old, cfg)
	for _, field := range d.NonReloadable {
		slog.Warn("config change needs a restart", "field", field)
	}
	if d.SchedulerChanged {
		sched.UpdateConfig(d.NewScheduler.PollInterval)
		slog.Info("scheduler updated", "poll_interval", d.NewScheduler.PollInterval)
	}

	next, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		slog.Error("roster reload failed", "error", err)
		return cfg
	}
	rd := registry.Compare(reg, next)
	if !rd.HasChanges() {
		slog.Info("config reloaded")
		return cfg
	}

	if err := reg.Replace(next.List()); err != nil {
		slog.Error("roster replace failed", "error", err)
		return cfg
	}
	if err := reg.Sync(db); err != nil {
		slog.Warn("roster sync failed", "error", err)
	}

	// Retire workers that left the roster or changed shape; the respawn
	// below picks up the new metadata.
	for _, id := range append(rd.Removed, rd.Changed...) {
		if w, ok := workers[id]; ok {
			w.Stop()
			delete(workers, id)
		}
	}
	for _, stage := range reg.StartupOrder() {
		for _, id := range stage {
			if id == registry.RootID {
				continue
			}
			if _, ok := workers[id]; ok {
				continue
			}
			meta, ok := reg.Get(id)
			if !ok {
				continue
			}
			if err := spawn(meta); err != nil {
				slog.Error("start worker failed", "agent", id, "error", err)
			}
		}
	}
	slog.Info("roster reloaded", "added", rd.Added, "removed", rd.Removed, "changed", rd.Changed)
	return cfg
}

// knowsIndex reports whether the agent's capabilities involve the document
// index, which means its worker needs the retriever.
func knowsIndex(meta registry.Metadata) bool {
	for _, c := range []string{"retrieval", "search", "memory", "context"} {
		if meta.HasCapability(c) {
			return true
		}
	}
	return false
}

// pruneHistory trims the message archive to the configured limit once an hour.
func pruneHistory(ctx context.Context, db *store.Store, keep int) {
	if keep <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := db.PruneMessages(keep)
			if err != nil {
				slog.Warn("prune messages failed", "error", err)
				continue
			}
			if pruned > 0 {
				slog.Info("pruned message history", "removed", pruned, "keep", keep)
			}
		}
	}
}
