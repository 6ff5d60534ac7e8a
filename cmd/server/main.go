package main

import (
	"context"
	"errors"
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
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/probax/risk-engine/internal/borrow"
	"github.com/probax/risk-engine/internal/config"
	"github.com/probax/risk-engine/internal/funding"
	"github.com/probax/risk-engine/internal/ledger"
	"github.com/probax/risk-engine/internal/margin"
	"github.com/probax/risk-engine/internal/metrics"
	"github.com/probax/risk-engine/internal/pindex"
	"github.com/probax/risk-engine/internal/pool"
	"github.com/probax/risk-engine/internal/risk"
	"github.com/probax/risk-engine/internal/store"
	"github.com/probax/risk-engine/internal/vexec"
)

func main() {
	_ = godotenv.Load() // optional .env for local development

	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := cfg.Server.DatabaseURL; dbURL != "" {
		dbpool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, dbpool.Close)
		pg := store.NewPostgresStore(dbpool)
		if err := pg.InitSchema(context.Background()); err != nil {
			slog.Error("schema initialization failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := cfg.Server.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
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

	// Seed the capital pool on first run.
	if _, err := st.GetPoolState(context.Background()); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("pool state load failed", "err", err)
			os.Exit(1)
		}
		ps := pool.NewPoolState(cfg.InitialCapital(), time.Now().UTC())
		if err := st.SavePoolState(context.Background(), ps); err != nil {
			slog.Error("pool state seed failed", "err", err)
			os.Exit(1)
		}
		slog.Info("pool state seeded", "capital", cfg.Pool.InitialCapital)
	}

	// --- NATS event publishing ---
	var pub *risk.Publisher
	if cfg.Server.NATSURL != "" {
		nc, err := nats.Connect(cfg.Server.NATSURL)
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		pub = risk.NewPublisher(nc)
		slog.Info("NATS event publishing enabled")
	}

	// --- Engines ---
	indexEngine := pindex.NewEngine(cfg.IndexParams())
	execEngine := vexec.NewEngine(cfg.ExecutionParams())
	borrowEngine := borrow.NewEngine(cfg.BorrowParams())
	fundingEngine := funding.NewEngine(cfg.FundingParams())
	led := ledger.New(st, borrowEngine, fundingEngine, cfg.LedgerConfig())
	marginEngine := margin.NewEngine(cfg.MarginParams(), borrowEngine, fundingEngine)
	liquidator := margin.NewLiquidator(st, led, marginEngine, cfg.LiquidatorParams())

	// --- WebSocket hub ---
	wsHub := risk.NewWSHub()
	go wsHub.Run()

	// --- Risk service ---
	svc := risk.NewService(risk.Deps{
		Store:        st,
		Ledger:       led,
		Liquidator:   liquidator,
		Margin:       marginEngine,
		Index:        indexEngine,
		Exec:         execEngine,
		Borrow:       borrowEngine,
		Funding:      fundingEngine,
		MarketParams: cfg.MarketParams(),
		Auth:         ledger.NewCapabilities(cfg.Auth.Grants),
		Hub:          wsHub,
		Events:       pub,
		IngestRate:   cfg.Ingest.RatePerSecond,
		IngestBurst:  cfg.Ingest.Burst,
	})

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
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Caller")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"risk-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time engine events.
		r.Get("/ws", wsHub.HandleWS)

		// Market administration and queries.
		r.Get("/markets", svc.ListMarkets)
		r.Post("/markets", svc.CreateMarket)
		r.Get("/markets/{marketID}", svc.GetMarket)
		r.Get("/markets/{marketID}/price", svc.GetPrice)
		r.Get("/markets/{marketID}/quote", svc.GetQuote)
		r.Get("/markets/{marketID}/rates", svc.GetRates)

		// Feed ingestion.
		r.Post("/markets/{marketID}/ingest", svc.Ingest)

		// Position lifecycle.
		r.Post("/markets/{marketID}/positions", svc.OpenPosition)
		r.Post("/markets/{marketID}/positions/close", svc.ClosePosition)
		r.Get("/markets/{marketID}/positions", svc.ListPositions)
		r.Get("/markets/{marketID}/positions/{trader}", svc.GetPositionHealth)

		// Liquidation and resolution.
		r.Post("/markets/{marketID}/liquidate", svc.Liquidate)
		r.Post("/markets/{marketID}/sweep", svc.Sweep)
		r.Post("/markets/{marketID}/resolve", svc.ResolveMarket)
		r.Post("/liquidations/sweep", svc.GlobalSweep)

		// Cross-market queries.
		r.Get("/positions/{trader}", svc.TraderPositions)
		r.Get("/pool", svc.GetPool)
	})

	// --- Background loops ---
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	runLoop := func(interval time.Duration, fn func(context.Context)) {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-ticker.C:
					fn(loopCtx)
				}
			}
		}()
	}
	runLoop(cfg.RecenterInterval(), svc.RecenterAll)
	runLoop(cfg.RatesInterval(), svc.RecomputeRates)
	runLoop(cfg.SweepInterval(), func(ctx context.Context) { svc.SweepAll(ctx, "keeper") })

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("risk-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancelLoops()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down risk-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("risk-engine stopped")
}
