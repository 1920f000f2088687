package main

import (
	"context"
	"flag"
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

	"github.com/openpredict/market-engine/internal/config"
	"github.com/openpredict/market-engine/internal/market"
	"github.com/openpredict/market-engine/internal/metrics"
	"github.com/openpredict/market-engine/internal/pricing"
	"github.com/openpredict/market-engine/internal/store"
	"github.com/openpredict/market-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
		if err != nil {
			slog.Error("invalid database DSN", "err", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.Database.PoolMaxConns)
		poolCfg.MinConns = int32(cfg.Database.PoolMinConns)

		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.Enabled {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL.Duration)
			slog.Info("Redis cache enabled", "addr", cfg.Redis.Addr)
		}
	} else {
		slog.Warn("database.dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Pricing engine ---
	pricer, err := pricing.New(decimal.NewFromFloat(cfg.Engine.Beta))
	if err != nil {
		slog.Error("invalid beta", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Services ---
	marketSvc := market.NewService(st)
	marketSvc.DefaultStartingFunds = decimal.NewFromFloat(cfg.Engine.DefaultStartingFunds)
	marketSvc.DefaultInitialYesProbability = decimal.NewFromFloat(cfg.Engine.DefaultInitialYesProbability)
	marketSvc.OnSettled = func(marketID, outcomeInstrumentID string) {
		wsHub.Broadcast(trade.WSMessage{
			Type:     "market_settled",
			MarketID: marketID,
			Outcome:  outcomeInstrumentID,
		})
	}
	executor := trade.NewExecutor(st, pricer, wsHub)
	tradeSvc := trade.NewService(st, executor)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", wsHub.HandleWS)

		// Market lifecycle.
		r.Get("/markets", marketSvc.ListMarkets)
		r.Post("/markets", marketSvc.CreateMarket)
		r.Get("/markets/{marketID}", marketSvc.GetMarket)
		r.Patch("/markets/{marketID}", marketSvc.PatchMarket)
		r.Post("/markets/{marketID}/settle", marketSvc.SettleMarket)
		r.Post("/markets/{marketID}/unsettle", marketSvc.UnsettleMarket)
		r.Get("/markets/{marketID}/history", marketSvc.MarketHistory)
		r.Get("/markets/{marketID}/payouts", marketSvc.MarketPayouts)

		r.Get("/instruments", marketSvc.ListInstruments)

		// Trade execution.
		r.Post("/trades", tradeSvc.SubmitTrade)
		r.Get("/trades", tradeSvc.ListTrades)

		// Schedule tick (external cron entry point).
		r.Post("/schedule", marketSvc.HandleScheduleTick)

		// User onboarding.
		r.Post("/users/{userID}/onboard", marketSvc.HandleOnboardUser)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("market-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// Internal scheduler loop: applies due lifecycle transitions without
	// relying on an external cron hitting POST /api/v1/schedule.
	if interval := cfg.Engine.TickInterval.Duration; interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					result := marketSvc.ScheduleTick(gctx)
					metrics.ScheduleTicks.WithLabelValues("scheduled").Add(float64(len(result.Scheduled)))
					metrics.ScheduleTicks.WithLabelValues("error").Add(float64(len(result.Errors)))
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down market-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	fmt.Println("market-engine stopped")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
