package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quizforge/quizforge/internal/alloc"
	"github.com/quizforge/quizforge/internal/api"
	"github.com/quizforge/quizforge/internal/builder"
	"github.com/quizforge/quizforge/internal/category"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/generate"
	"github.com/quizforge/quizforge/internal/jobtracker"
	"github.com/quizforge/quizforge/internal/ledger"
	"github.com/quizforge/quizforge/internal/logging"
	"github.com/quizforge/quizforge/internal/media"
	"github.com/quizforge/quizforge/internal/metrics"
	"github.com/quizforge/quizforge/internal/observability"
	"github.com/quizforge/quizforge/internal/pool"
	"github.com/quizforge/quizforge/internal/scheduler"
	"github.com/quizforge/quizforge/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the allocation daemon",
		Long:  "Run the QuizForge daemon: HTTP API, per-user allocation, and scheduled set builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("redis") {
				cfg.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			auditLog := logging.Default()
			if cfg.Daemon.AllocLog != "" {
				if err := auditLog.SetOutput(cfg.Daemon.AllocLog); err != nil {
					return fmt.Errorf("open allocation log: %w", err)
				}
				defer auditLog.Close()
			} else if strings.EqualFold(cfg.Daemon.LogLevel, "debug") {
				// No audit file: echo draws to stdout while debugging.
				auditLog.SetConsole(true)
			}

			if cfg.Observability.Tracing.ServiceName == "" {
				cfg.Observability.Tracing.ServiceName = "quizforge"
			}
			if err := observability.Init(context.Background(), cfg.Observability.Tracing); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			// /metrics serves 503 until the Prometheus registry exists, so
			// this must run before the HTTP server registers routes.
			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			pg, err := store.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			st := store.NewCachedStore(pg, store.DefaultCacheTTL)
			defer st.Close()

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.Redis.OpTimeout)
			err = rdb.Ping(pingCtx).Err()
			cancelPing()
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}

			registry, err := category.LoadFile(cfg.CategoriesFile)
			if err != nil {
				return fmt.Errorf("load categories: %w", err)
			}

			settings := config.NewSettings(cfg.Alloc)
			if err := loadPersistedLimits(context.Background(), st, settings); err != nil {
				logging.Op().Warn("failed to load persisted limits", "error", err)
			}

			led := ledger.New(rdb, cfg.Redis.OpTimeout)
			idx := pool.New(rdb, cfg.Redis.OpTimeout)
			allocator := alloc.New(led, idx, settings, cfg.Alloc.LockStripes, auditLog)
			bld := builder.New(st, idx, registry)

			var mediaStore *media.Store
			if cfg.Media.Enabled {
				mediaStore, err = media.New(context.Background(), cfg.Media)
				if err != nil {
					return fmt.Errorf("init media store: %w", err)
				}
				logging.Op().Info("media store enabled", "bucket", cfg.Media.Bucket)
			}

			var gen *generate.Service
			if cfg.Generate.Enabled {
				var uploader generate.Uploader
				if mediaStore != nil {
					uploader = mediaStore
				}
				gen = generate.NewService(cfg.Generate, st, uploader, registry)
				logging.Op().Info("question generation enabled", "model", cfg.Generate.Model)
			}

			jobs := jobtracker.New(time.Hour)
			defer jobs.Close()

			var sched *scheduler.Scheduler
			if cfg.Builder.Enabled && cfg.Builder.Schedule != "" {
				sched = scheduler.New()
				params := builder.Params{
					NumSetsPerCategory: cfg.Builder.NumSetsPerCategory,
					ItemsPerSet:        cfg.Builder.ItemsPerSet,
				}
				if err := sched.Add("builder", cfg.Builder.Schedule, func(ctx context.Context) {
					report, err := bld.BuildAll(ctx, params)
					if err != nil {
						logging.Op().Error("scheduled build failed", "error", err)
						return
					}
					logging.Op().Info("scheduled build finished",
						"run_id", report.RunID,
						"sets_built", report.SetsBuilt,
						"failed_categories", report.Failed)
				}); err != nil {
					return fmt.Errorf("schedule builder: %w", err)
				}
				sched.Start()
			}

			httpServer := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
				Store:        st,
				Pool:         idx,
				Ledger:       led,
				Allocator:    allocator,
				Builder:      bld,
				Generate:     gen,
				Media:        mediaStore,
				Jobs:         jobs,
				Registry:     registry,
				Settings:     settings,
				Redis:        rdb,
				RateLimitCfg: cfg.RateLimit,
			})

			logging.Op().Info("quizforge daemon started",
				"addr", cfg.Daemon.HTTPAddr,
				"categories", registry.Len(),
				"max_sets_per_category", settings.MaxSetsPerCategory(),
				"max_age_months", settings.MaxAgeMonths())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logging.Op().Info("shutdown signal received", "signal", sig.String())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("HTTP shutdown incomplete", "error", err)
			}
			if sched != nil {
				// Wait for an in-flight build before tearing down the store.
				<-sched.Stop().Done()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	return cmd
}

// loadPersistedLimits applies limits changed through the admin API in a
// previous run. The settings table wins over static config so a restart does
// not resurrect superseded limits.
func loadPersistedLimits(ctx context.Context, st store.Store, settings *config.Settings) error {
	apply := func(key string, set func(int) error) error {
		v, err := st.GetSetting(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
		return set(n)
	}

	if err := apply(config.KeyMaxSetsPerCategory, settings.SetMaxSetsPerCategory); err != nil {
		return err
	}
	return apply(config.KeyMaxAgeMonths, settings.SetMaxAgeMonths)
}
