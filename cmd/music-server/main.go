package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/murphys7017/music-server/internal/api"
	"github.com/murphys7017/music-server/internal/config"
	"github.com/murphys7017/music-server/internal/dispatch"
	"github.com/murphys7017/music-server/internal/domain"
	"github.com/murphys7017/music-server/internal/handlers/cleanup"
	"github.com/murphys7017/music-server/internal/handlers/fetch"
	"github.com/murphys7017/music-server/internal/handlers/probe"
	"github.com/murphys7017/music-server/internal/handlers/scan"
	"github.com/murphys7017/music-server/internal/janitor"
	"github.com/murphys7017/music-server/internal/kv"
	"github.com/murphys7017/music-server/internal/library"
	"github.com/murphys7017/music-server/internal/registry"
	"github.com/murphys7017/music-server/internal/scheduler"
	"github.com/murphys7017/music-server/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		addr       = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath     = flag.String("db", "", "SQLite DB path (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := newLogger(cfg.Log)

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := registry.EnsureSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("ensure schema")
	}
	store := registry.NewSQLiteStore(db)

	// The queue lives in memory, so any items a previous process left
	// mid-flight are gone. Close out their audit rows.
	if n, err := store.RecoverOrphanDispatches(context.Background(), time.Now()); err != nil {
		logger.Warn().Err(err).Msg("recover orphan dispatches")
	} else if n > 0 {
		logger.Info().Int("recovered", n).Msg("closed dispatches orphaned by restart")
	}

	state := kv.NewStore(logger)
	queue := dispatch.New()
	sched := scheduler.New(logger, store, queue, state, scheduler.Options{
		TickEvery:      cfg.Scheduler.Tick,
		RetryDelay:     cfg.Scheduler.RetryDelay,
		ItemMaxRetries: cfg.Scheduler.MaxRetries,
	})

	handlers := map[string]worker.Handler{
		"library.scan":    scan.New(logger, store, state, cfg.Library.Roots),
		"library.cleanup": cleanup.New(logger, store, cfg.Library.TempDir),
		"media.probe":     probe.New(logger, store, ""),
		"media.fetch":     fetch.New(logger, store, cfg.Library.DownloadDir),
	}
	pool := worker.NewPool(logger, store, queue, handlers, worker.Options{
		Size:          cfg.Workers.Count,
		HandleTimeout: cfg.Workers.HandleTimeout,
		RetryBase:     cfg.Workers.RetryBase,
	})

	jan, err := janitor.New(logger, store, janitor.Options{
		Spec:       cfg.Janitor.Spec,
		Retention:  cfg.Janitor.Retention,
		TaskPrefix: "watch:",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("janitor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Library.ScanInterval > 0 {
		if _, err := sched.EnsureTask(ctx, scheduler.AddTaskInput{
			Name:            "library-scan",
			WorkType:        "library.scan",
			Kind:            domain.ScheduleInterval,
			IntervalSeconds: int(cfg.Library.ScanInterval / time.Second),
			Description:     "periodic full library scan",
		}); err != nil {
			logger.Fatal().Err(err).Msg("seed library-scan task")
		}
	}

	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()
	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()
	if cfg.State.Sweep > 0 {
		go state.Run(ctx, cfg.State.Sweep)
	}
	go func() {
		if err := jan.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("janitor stopped")
		}
	}()
	if cfg.Library.Watch {
		watcher := library.NewWatcher(logger, sched, cfg.Library.Roots, library.WatcherOptions{
			Cooldown: cfg.Library.WatchCooldown,
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("watcher stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewServer(logger, sched, store, queue, state, api.Options{
			Token:          cfg.API.Token,
			AllowedOrigins: cfg.API.AllowedOrigins,
			EnableDebug:    cfg.API.Debug,
		}),
	}
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Info().Msg("shutting down")
	cancel()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	select {
	case <-schedDone:
	case <-ctxTimeout.Done():
	}
	select {
	case <-poolDone:
	case <-ctxTimeout.Done():
	}
}

// newLogger builds the root logger: console always, plus a file sink
// when configured.
func newLogger(cfg config.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "log file:", err)
			os.Exit(1)
		}
		out = zerolog.MultiLevelWriter(out, f)
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(level)
}
