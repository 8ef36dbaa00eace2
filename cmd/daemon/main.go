// The instrumentality daemon: loads config, opens the store, bootstraps the
// root operator on a fresh database and runs the API server alongside the
// lease sweeper until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/berserksystems/instrumentality/internal/api"
	"github.com/berserksystems/instrumentality/internal/cache"
	"github.com/berserksystems/instrumentality/internal/config"
	"github.com/berserksystems/instrumentality/internal/identity"
	ilog "github.com/berserksystems/instrumentality/internal/log"
	"github.com/berserksystems/instrumentality/internal/queue"
	"github.com/berserksystems/instrumentality/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", config.FileName, "path to config file (TOML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("instrumentality %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ilog.Configure(ilog.Config{Service: "instrumentality"})
	logger := ilog.WithComponent("daemon")

	cfg, err := config.Load(*configPath)
	if err != nil {
		// First run: write an example next to where the config was
		// expected, so the operator has something to start from.
		if werr := config.WriteExample(config.ExampleFileName); werr == nil {
			logger.Error().
				Err(err).
				Str("event", "config.load_failed").
				Str("config_path", *configPath).
				Str("example", config.ExampleFileName).
				Msg("no valid configuration; wrote an example file")
		} else {
			logger.Error().
				Err(err).
				Str("event", "config.load_failed").
				Str("config_path", *configPath).
				Msg("failed to load configuration")
		}
		os.Exit(1)
	}

	ilog.Configure(ilog.Config{
		Level:   cfg.Settings.LogLevel,
		Service: "instrumentality",
	})
	logger = ilog.WithComponent("daemon")
	logger.Info().
		Str("event", "config.loaded").
		Str("path", *configPath).
		Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path, store.DefaultConfig())
	if err != nil {
		logger.Error().
			Err(err).
			Str("event", "store.open_failed").
			Str("path", cfg.Database.Path).
			Msg("failed to open database")
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	if err := bootstrapRoot(ctx, st, logger); err != nil {
		logger.Error().
			Err(err).
			Str("event", "bootstrap.failed").
			Msg("failed to bootstrap root operator")
		os.Exit(1)
	}

	hints := buildHintCache(cfg)
	server := api.New(cfg, st, hints)
	sweeper := queue.NewSweeper(st, cfg.QueueTimeout())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Stopping the server for any reason brings down the sweeper too.
		defer stop()
		return server.Run(gctx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str("event", "daemon.failed").Msg("daemon exited with error")
		os.Exit(1)
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}

// bootstrapRoot creates the administrator account on a fresh database. The
// key is logged exactly once and cannot be recovered afterwards.
func bootstrapRoot(ctx context.Context, st *store.Store, logger zerolog.Logger) error {
	n, err := identity.CountOperators(ctx, st.DB())
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	root, key := identity.NewAdmin("root")
	if err := identity.Insert(ctx, st.DB(), root); err != nil {
		return err
	}
	logger.Info().
		Str("event", "bootstrap.root_created").
		Str("operator", root.UUID).
		Str("key", key).
		Msg("created root operator; this key is shown only once")
	return nil
}

// buildHintCache picks redis when configured, otherwise the in-process cache.
func buildHintCache(cfg *config.Config) cache.Cache {
	logger := ilog.WithComponent("cache")
	if cfg.Redis.Address == "" {
		return cache.NewMemory()
	}
	c, err := cache.NewRedis(cache.RedisConfig{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("event", "cache.redis_unavailable").
			Msg("falling back to in-memory hint cache")
		return cache.NewMemory()
	}
	return c
}
