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
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/traderush/condor-engine/internal/admin"
	"github.com/traderush/condor-engine/internal/book"
	"github.com/traderush/condor-engine/internal/config"
	"github.com/traderush/condor-engine/internal/feed"
	"github.com/traderush/condor-engine/internal/history"
	"github.com/traderush/condor-engine/internal/ledger"
	"github.com/traderush/condor-engine/internal/margin"
	"github.com/traderush/condor-engine/internal/metrics"
	"github.com/traderush/condor-engine/internal/model"
	"github.com/traderush/condor-engine/internal/risk"
	"github.com/traderush/condor-engine/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Trade archive ---
	var store history.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := history.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		store = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				logger.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			store = history.NewCachedStore(store, rdb, 30*time.Second)
			logger.Info("Redis cache enabled")
		}
	} else {
		logger.Warn("DATABASE_URL not set, trade history will not persist")
		store = history.NewMemoryStore()
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Core engine ---
	led := ledger.New(cfg.StartingBalanceDecimal(), cfg.HouseFloatDecimal(), logger)
	marginSvc := margin.NewService(led, logger)
	limiter := risk.NewStakeLimiter(
		decimal.NewFromFloat(cfg.MaxStakePerContract),
		decimal.NewFromFloat(cfg.MaxAggregateStake),
	)

	registry, err := book.NewRegistry(book.DefaultTemplates()...)
	if err != nil {
		logger.Error("invalid default templates", "err", err)
		os.Exit(1)
	}

	oracle := feed.NewOracle(cfg.TickInterval, cfg.StartPriceDecimal(), cfg.Volatility, cfg.PriceSeed, logger)
	clock := feed.NewClock(oracle, cfg.PriceHistorySize, logger)

	books := make(map[model.Timeframe]*book.Book, len(model.AllTimeframes))
	for _, tf := range model.AllTimeframes {
		books[tf] = book.New(tf, registry, marginSvc, limiter, store, cfg.ContractRetention, logger)
	}

	hub := ws.NewHub(led, books, clock, oracle, store, cfg.HeartbeatInterval, logger)
	adminSvc := admin.NewService(registry, books, led, oracle, clock, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS passthrough for the browser UI.
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
		w.Write([]byte(`{"status":"ok","service":"condor-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// No request timeout on /ws: the socket outlives any request window.
		r.Get("/ws", hub.HandleWS)
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			adminSvc.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// --- Run ---
	oracle.Start()
	clock.Start()

	g, gctx := errgroup.WithContext(ctx)

	for tf, bk := range books {
		ticks, cancelTicks := clock.Subscribe()
		g.Go(func() error {
			defer cancelTicks()
			err := bk.Run(gctx, ticks)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Info("book stopped", "timeframe", string(tf))
			return err
		})
	}

	g.Go(func() error {
		if err := hub.Run(gctx); errors.Is(err, context.Canceled) {
			return nil
		} else if err != nil {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("condor-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		logger.Info("shutting down condor-engine...")
		clock.Stop()
		oracle.Stop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine exited with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("condor-engine stopped")
}
