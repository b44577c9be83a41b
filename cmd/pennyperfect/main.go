package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"pennyperfect/internal/analytics"
	"pennyperfect/internal/commerce"
	"pennyperfect/internal/config"
	"pennyperfect/internal/database"
	"pennyperfect/internal/observability"
	"pennyperfect/internal/switchback"
)

var (
	configPath string
	useMemory  bool

	rootCmd = &cobra.Command{
		Use:           "pennyperfect",
		Short:         "Switchback price-ending experiments for commerce storefronts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")
	rootCmd.PersistentFlags().BoolVar(&useMemory, "use-memory", false, "use the in-memory store instead of Postgres")
	rootCmd.AddCommand(serveCmd, tickCmd, migrateCmd, experimentCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("pennyperfect: %v", err)
	}
}

// app holds the wired components shared by every command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	repo     database.Repository
	engine   *switchback.Engine
	registry *prometheus.Registry
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w", err)
	}
	a := &app{cfg: cfg, logger: newLogger(cfg.Log.Level), registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if useMemory {
		a.logger.Warn("Using in-memory store, data is lost on exit")
		a.repo = database.NewMemoryRepository()
	} else {
		pool, err := database.Connect(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.repo = database.NewPostgresRepository(pool)
	}

	opts := []switchback.Option{
		switchback.WithMetrics(observability.NewMetrics(a.registry, cfg.Metrics.Namespace)),
	}
	if cfg.Analytics.Enabled {
		sink, err := analytics.NewClickHouseSink(ctx, cfg.Analytics.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := sink.Migrate(ctx); err != nil {
			_ = sink.Close()
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = sink.Close() })
		opts = append(opts, switchback.WithSink(sink))
		a.logger.Info("ClickHouse analytics sink enabled")
	}

	platform, err := commerce.NewClient(a.logger, cfg.Commerce)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine, err = switchback.NewEngine(a.logger, a.repo, platform, cfg.Switchback, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.logger.Info("Engine ready", "platform", platform.Name(), "baselinePolicy", cfg.Switchback.BaselinePolicy)
	return a, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
