package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/homegauge/homegauge/pkg/collector"
	"github.com/homegauge/homegauge/pkg/config"
	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/scheduler"
	"github.com/homegauge/homegauge/pkg/server"
	"github.com/homegauge/homegauge/pkg/storage"
)

func main() {
	// init packages
	cfg := config.Configured()
	st := storage.Configured()
	col := collector.Configured()
	srv := server.Configured()

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.NewJSON(os.Stdout))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, st, col, srv); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "collector failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "collector exited cleanly")
}

func run(ctx context.Context, cfg *config.Config, st *storage.Config, col *collector.Config, srv *server.Server) error {
	if col.Name() == "" {
		return errors.New("-collector is required")
	}
	ctx = log.WithAttrs(ctx, slog.String("collector", col.Name()))

	doc, err := cfg.Load()
	if err != nil {
		return err
	}
	built, err := col.Build(doc)
	if err != nil {
		return err
	}

	w, err := st.Open(ctx, col.Name())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()
	log.Ctx(ctx).InfoContext(
		ctx,
		"storage opened",
		slog.Any("providers", st.Names()),
		slog.String("config", cfg.Path()),
	)

	sched := scheduler.New(built.Collector, storage.Retrying(w, built.Retry), built.Options)
	srv.Watch(sched)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return col.StartupPolicy().Run(gctx, "startup", sched.Run)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
