package main

import (
	"context"
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
	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/config"
	"github.com/mirrortrade/allocation-engine/internal/engine"
	"github.com/mirrortrade/allocation-engine/internal/fanout"
	"github.com/mirrortrade/allocation-engine/internal/metrics"
	"github.com/mirrortrade/allocation-engine/internal/model"
	"github.com/mirrortrade/allocation-engine/internal/prices"
	"github.com/mirrortrade/allocation-engine/internal/projector"
	"github.com/mirrortrade/allocation-engine/internal/rebalance"
	"github.com/mirrortrade/allocation-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price feed ---
	var priceSrc prices.Source
	if cfg.Prices.BaseURL != "" {
		priceSrc = prices.NewClient(prices.ClientConfig{
			BaseURL:        cfg.Prices.BaseURL,
			RequestTimeout: cfg.Prices.RequestTimeout,
			RequestsPerSec: cfg.Prices.RequestsPerSec,
			Burst:          cfg.Prices.Burst,
		})
		slog.Info("price feed configured", "url", cfg.Prices.BaseURL)
	} else {
		slog.Warn("PRICE_FEED_URL not set, using empty static price source")
		priceSrc = prices.NewStatic(map[string]decimal.Decimal{})
	}

	// --- Core services ---
	locks := store.NewAccountLocks()
	rebalSvc := rebalance.NewService(st)
	proj := projector.New(projector.Config{
		LotSize:          cfg.Market.LotSizeDecimal(),
		MinTradeNotional: cfg.Market.MinTradeNotionalDecimal(),
	})
	runner := fanout.New(st, locks, proj, priceSrc, cfg.FanoutWorkers)

	if err := rebalSvc.Bootstrap(context.Background()); err != nil {
		slog.Error("model bootstrap failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub()
	go wsHub.Run()

	// --- HTTP service ---
	svc := engine.NewService(st, locks, rebalSvc, runner, priceSrc, wsHub)

	// New model versions fan out to accounts and to dashboards.
	rebalSvc.Subscribe(func(prev, next *model.ModelPortfolio) {
		svc.BroadcastModel(prev, next)
		runner.Notify()
	})
	runner.OnCycle(svc.BroadcastCycle)

	fanoutCtx, stopFanout := context.WithCancel(context.Background())
	defer stopFanout()
	go runner.Run(fanoutCtx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
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
		w.Write([]byte(`{"status":"ok","service":"allocation-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("allocation-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopFanout()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down allocation-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("allocation-engine stopped")
}
