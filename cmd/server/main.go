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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-engine/internal/api"
	"github.com/atmx/portfolio-engine/internal/auth"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/events"
	"github.com/atmx/portfolio-engine/internal/jobs"
	"github.com/atmx/portfolio-engine/internal/logging"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/oracle"
	"github.com/atmx/portfolio-engine/internal/realm"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/trade"
)

const serviceName = "portfolio-engine"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, closeLog, err := logging.New(serviceName, cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		closeLog()
		os.Exit(1)
	}
	closeLog()
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Price oracles ---
	sim := oracle.NewSimulator(cfg.SimulatorSeed)
	var live oracle.Oracle
	if cfg.LiveQuotes() {
		cached, err := oracle.NewCached(&oracle.Finnhub{BaseURL: cfg.FinnhubURL, Token: cfg.FinnhubToken},
			cfg.QuoteCacheSize, cfg.QuoteCacheTTL)
		if err != nil {
			return fmt.Errorf("quote cache: %w", err)
		}
		cleanup = append(cleanup, cached.Close)
		live = cached
		logger.Info("live quotes enabled", "provider", "finnhub")
	} else {
		logger.Warn("FINNHUB_TOKEN not set, trades need an explicit price and refreshes are simulated")
	}

	// --- Event sinks ---
	hub := events.NewWSHub(logger)
	go hub.Run(ctx)
	sink := events.NewFanout(logger).Add("ws", hub)
	if len(cfg.KafkaBrokers) > 0 {
		ks := events.NewKafkaSink(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), cfg.KafkaTimeout, logger)
		cleanup = append(cleanup, func() {
			if err := ks.Close(); err != nil {
				logger.Warn("kafka close", "err", err)
			}
		})
		sink.Add("kafka", ks)
		logger.Info("kafka events enabled", "topic", cfg.KafkaTopic)
	}

	// --- Engine and realms ---
	engineOpts := []trade.Option{
		trade.WithSink(sink),
		trade.WithLogger(logger),
		trade.WithQuoteTimeout(cfg.QuoteTimeout),
	}
	realmOpts := []realm.Option{
		realm.WithSimulator(sim),
		realm.WithSink(sink),
		realm.WithLogger(logger),
		realm.WithDefaultBaseline(cfg.DefaultBaseline),
		realm.WithHistoryMax(cfg.HistoryMaxLimit),
		realm.WithConcurrency(cfg.RefreshConcurrency),
		realm.WithQuoteTimeout(cfg.QuoteTimeout),
	}
	serviceOpts := []api.Option{api.WithHub(hub), api.WithLogger(logger)}
	if live != nil {
		engineOpts = append(engineOpts, trade.WithOracle(live))
		realmOpts = append(realmOpts, realm.WithLiveOracle(live))
		serviceOpts = append(serviceOpts, api.WithQuotes(live, cfg.QuoteTimeout))
	}
	engine := trade.NewEngine(st, engineOpts...)
	realms := realm.NewAggregator(st, realmOpts...)

	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := realms.ApplySeed(ctx, seed); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		logger.Info("seed applied", "file", cfg.SeedFile, "accounts", len(seed.Accounts), "rooms", len(seed.Rooms))
	}

	// --- Scheduled jobs ---
	runner := jobs.New(ctx, logger, time.Minute)
	if cfg.HistoryCron != "" {
		if _, err := runner.Add("sample-history", cfg.HistoryCron, jobs.SampleHistory(realms, logger)); err != nil {
			return err
		}
	}
	if cfg.RefreshCron != "" {
		if _, err := runner.Add("refresh-rooms", cfg.RefreshCron, jobs.RefreshRooms(realms, logger)); err != nil {
			return err
		}
	}
	runner.Start()
	cleanup = append(cleanup, runner.Stop)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc := api.NewService(engine, realms, serviceOpts...)
	verifier := auth.JWT{Secret: []byte(cfg.JWTSecret), TokenTTL: cfg.TokenTTL, Issuer: cfg.JWTIssuer}
	svc.Mount(r, verifier)

	// --- Server ---
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(serviceName+" listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down " + serviceName + "...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return nil
}
