package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KeychainMDIP/kc-sub000"
	"github.com/KeychainMDIP/kc-sub000/ipfs"
	"github.com/KeychainMDIP/kc-sub000/node"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:  "gatekeeper",
		Usage: "MDIP gatekeeper node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML file with default values for any of these flags",
				Sources: cli.EnvVars("KC_GATEKEEPER_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "did-prefix",
				Usage:   "DID prefix for create operations without mdip.prefix",
				Value:   mdip.DefaultDIDPrefix,
				Sources: cli.EnvVars("KC_GATEKEEPER_DID_PREFIX"),
			},
			&cli.StringSliceFlag{
				Name:    "registries",
				Usage:   "Registries that accept new operations",
				Value:   []string{mdip.RegistryLocal, mdip.RegistryHyperswarm},
				Sources: cli.EnvVars("KC_GATEKEEPER_REGISTRIES"),
			},
			&cli.IntFlag{
				Name:    "max-op-bytes",
				Usage:   "Maximum size of a single operation",
				Value:   mdip.DefaultMaxOpBytes,
				Sources: cli.EnvVars("KC_GATEKEEPER_MAX_OP_BYTES"),
			},
			&cli.IntFlag{
				Name:    "max-queue-size",
				Usage:   "Maximum number of queued operations per anchored registry",
				Value:   mdip.DefaultMaxQueueSize,
				Sources: cli.EnvVars("KC_GATEKEEPER_MAX_QUEUE_SIZE"),
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Event store backend (sqlite, postgres, json, memory)",
				Value:   "sqlite",
				Sources: cli.EnvVars("KC_GATEKEEPER_DB"),
			},
			&cli.StringFlag{
				Name:    "sqlite-path",
				Usage:   "SQLite database file path",
				Value:   "data/mdip.db",
				Sources: cli.EnvVars("KC_GATEKEEPER_SQLITE_PATH"),
			},
			&cli.StringFlag{
				Name:    "postgres-url",
				Usage:   "PostgreSQL connection string",
				Sources: cli.EnvVars("KC_GATEKEEPER_POSTGRES_URL"),
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Directory for the JSON store",
				Value:   "data",
				Sources: cli.EnvVars("KC_GATEKEEPER_DATA_DIR"),
			},
			&cli.StringFlag{
				Name:    "ipfs",
				Usage:   "Blob store (db, memory, minimal)",
				Value:   "db",
				Sources: cli.EnvVars("KC_GATEKEEPER_IPFS"),
			},
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "HTTP server listen address",
				Value:   ":4224",
				Sources: cli.EnvVars("KC_GATEKEEPER_BIND"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Metrics HTTP server listen address",
				Value:   ":9464",
				Sources: cli.EnvVars("KC_GATEKEEPER_METRICS_ADDR"),
			},
			&cli.DurationFlag{
				Name:    "process-interval",
				Usage:   "How often imported events are processed (0 disables)",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("KC_GATEKEEPER_PROCESS_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "gc-interval",
				Usage:   "How often the database is verified (0 disables)",
				Value:   15 * time.Minute,
				Sources: cli.EnvVars("KC_GATEKEEPER_GC_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "status-interval",
				Usage:   "How often DID statistics are collected (0 disables)",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("KC_GATEKEEPER_STATUS_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "upstream-url",
				Usage:   "Gatekeeper to replicate events from (empty disables peer sync)",
				Sources: cli.EnvVars("KC_GATEKEEPER_UPSTREAM_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("KC_LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Output logs in JSON format",
				Sources: cli.EnvVars("KC_LOG_JSON"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if path := cmd.String("config"); path != "" {
				return ctx, loadConfigFile(cmd, path)
			}
			return ctx, nil
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newLogger(logLevel string, logJSON bool) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// openStores creates the event store and the blob store's block storage, which shares the database when there is one
func openStores(cmd *cli.Command, logger *slog.Logger) (mdip.Store, ipfs.Blockstore, error) {
	var gormStore *node.GormStore
	var err error

	switch db := cmd.String("db"); db {
	case "sqlite":
		path := cmd.String("sqlite-path")
		slog.Info("using database", "type", db, "path", path)
		gormStore, err = node.NewGormStoreWithSqlite(path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sqlite store: %w", err)
		}
	case "postgres":
		slog.Info("using database", "type", db)
		gormStore, err = node.NewGormStoreWithPostgres(cmd.String("postgres-url"), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create postgres store: %w", err)
		}
	case "json":
		dir := cmd.String("data-dir")
		slog.Info("using database", "type", db, "dir", dir)
		store, err := node.NewJSONStore(dir, "mdip", logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create json store: %w", err)
		}
		return store, ipfs.NewMemBlockstore(), nil
	case "memory":
		slog.Info("using database", "type", db)
		return mdip.NewMemStore(), ipfs.NewMemBlockstore(), nil
	default:
		return nil, nil, fmt.Errorf("unknown db type: %q", db)
	}

	if cmd.String("ipfs") != "db" {
		return gormStore, ipfs.NewMemBlockstore(), nil
	}
	blocks, err := ipfs.NewGormBlockstore(gormStore.DB())
	if err != nil {
		return nil, nil, err
	}
	return gormStore, blocks, nil
}

func runMetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(cmd.String("log-level"), cmd.Bool("log-json"))
	slog.SetDefault(logger)

	otelShutdown, err := setupOTel(ctx, cmd.String("did-prefix"))
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer otelShutdown(context.Background())

	store, blocks, err := openStores(cmd, logger)
	if err != nil {
		return err
	}

	blobs := ipfs.New(blocks, ipfs.Options{
		Minimal: cmd.String("ipfs") == "minimal",
		Logger:  logger,
	})
	if err := blobs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start blob store: %w", err)
	}
	defer blobs.Stop()

	hub := node.NewEventHub(logger)
	gk, err := mdip.New(mdip.Options{
		Store:        store,
		Blobs:        blobs,
		DIDPrefix:    cmd.String("did-prefix"),
		Registries:   cmd.StringSlice("registries"),
		MaxOpBytes:   cmd.Int("max-op-bytes"),
		MaxQueueSize: cmd.Int("max-queue-size"),
		Logger:       logger,
		OnEvent:      hub.Publish,
	})
	if err != nil {
		return err
	}
	slog.Info("gatekeeper configured", "didPrefix", gk.DIDPrefix(), "registries", gk.ListRegistries())

	state := node.NewState()
	server := node.NewServer(gk, hub, state, cmd.String("bind"), logger)
	workers := node.NewWorkers(gk, state, node.WorkerConfig{
		ProcessInterval: cmd.Duration("process-interval"),
		GCInterval:      cmd.Duration("gc-interval"),
		StatusInterval:  cmd.Duration("status-interval"),
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(gctx)
	})

	g.Go(func() error {
		return runMetricsServer(gctx, cmd.String("metrics-addr"))
	})

	g.Go(func() error {
		if err := workers.Startup(gctx); err != nil {
			return err
		}
		return workers.Run(gctx)
	})

	if upstream := cmd.String("upstream-url"); upstream != "" {
		ingestor, err := node.NewIngestor(gk, state, upstream, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return ingestor.Run(gctx)
		})
	}

	return g.Wait()
}
