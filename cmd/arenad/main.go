package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"arena/internal/command"
	"arena/internal/config"
	"arena/internal/coordinator"
	"arena/internal/db"
	"arena/internal/lifecycle"
	"arena/internal/logging"
	"arena/internal/scheduler"
	"arena/internal/store"
	"arena/internal/tmux"
	"arena/internal/workspace"
	"arena/internal/worktree"
)

var version = "dev"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig: func() (config.Config, error) {
			return config.Load(config.DefaultDir())
		},
		RunServe:    runServe,
		WithService: withService,
		Out:         os.Stdout,
	})

	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "arena"}).Error("arenad failed", "err", err)
		os.Exit(1)
	}
}

type runtime struct {
	gdb   *gorm.DB
	sched *scheduler.Scheduler
	coord *coordinator.Coordinator
}

func buildRuntime(cfg config.Config, log *slog.Logger) (*runtime, error) {
	gdb, err := db.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	st := store.New(gdb)
	reg := workspace.NewRegistry(gdb)
	adapter := tmux.NewAdapterWithSocket(&tmux.RealExec{}, cfg.TmuxSocket)
	alloc := worktree.NewAllocator(st.WorkspacePath, cfg.WorktreeDir)

	sched := scheduler.New(st, adapter, alloc, log.With("module", "scheduler"), scheduler.Options{
		Concurrency:  cfg.MaxConcurrent,
		PollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
	})
	coord := coordinator.New(st, reg, sched, adapter, log.With("module", "coordinator"), coordinator.Options{
		DefaultTimeout: time.Duration(cfg.DefaultTimeoutSeconds) * time.Second,
	})

	return &runtime{gdb: gdb, sched: sched, coord: coord}, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := newRuntimeLogger(cfg)
	rt, err := buildRuntime(cfg, log)
	if err != nil {
		return err
	}
	log.Info("arenad serving", "version", version, "db", cfg.DBPath, "max_concurrent", cfg.MaxConcurrent)

	mgr := lifecycle.NewManager(log)
	mgr.AddRun("scheduler", func(runCtx context.Context) error {
		rt.sched.Start(runCtx)
		return nil
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		return db.Close(rt.gdb)
	})
	return mgr.StartAndWait(ctx)
}

func withService(ctx context.Context, cfg config.Config, fn func(command.Service) error) error {
	log := newRuntimeLogger(cfg)
	rt, err := buildRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(rt.gdb) }()

	schedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt.sched.StartBackground(schedCtx)

	return fn(rt.coord)
}

func newRuntimeLogger(cfg config.Config) *slog.Logger {
	return logging.NewLogger(logging.Options{Level: cfg.LogLevel, Writer: os.Stderr, Component: "arena"})
}
