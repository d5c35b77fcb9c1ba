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

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	authority, err := cfg.AuthorityKey()
	if err != nil {
		slog.Error("invalid attestation authority", "err", err)
		os.Exit(1)
	}
	if authority.IsZero() {
		slog.Warn("ATTESTATION_AUTHORITY not set, positions cannot be closed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Redis (cache + feeds) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema bootstrap failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil && cfg.CacheTTL > 0 {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Price feeds ---
	var feeds position.Feeds
	if rdb != nil {
		feeds = oracle.NewRedisFeeds(rdb)
		slog.Info("reading price feeds from Redis")
	} else {
		feeds = oracle.NewMemoryFeeds()
		slog.Info("using in-memory price feeds")
	}
	for id, p := range cfg.Feeds {
		if err := feeds.Publish(ctx, id, p); err != nil {
			slog.Error("feed seed failed", "feed", id, "err", err)
			os.Exit(1)
		}
	}
	orc := oracle.NewFeedOracle(feeds, cfg.MaxPriceAge)

	// --- WebSocket hub ---
	wsHub := position.NewWSHub()
	go wsHub.Run(ctx)

	// --- Position service ---
	positionSvc := position.NewService(st, orc, feeds, wsHub, position.Options{
		Authority:             authority,
		OvernightFeeNumerator: cfg.OvernightFeeNumerator,
		PublishFeeds:          cfg.FeedPublishing,
	})
	if cfg.FeedPublishing {
		slog.Warn("feed publishing enabled, PUT /api/v1/feeds is unauthenticated")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket route sits outside the timeout group; it is long-lived.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/positions", positionSvc.HandleOpen)
			r.Get("/positions/{owner}", positionSvc.HandleList)
			r.Get("/positions/{owner}/{index}", positionSvc.HandleGet)
			r.Post("/positions/{owner}/{index}/margin", positionSvc.HandleIncreaseMargin)
			r.Post("/positions/{owner}/{index}/close", positionSvc.HandleClose)
			r.Post("/positions/{owner}/{index}/netoff", positionSvc.HandleNetOff)

			r.Get("/settlements/{owner}", positionSvc.HandleSettlements)

			r.Get("/feeds/{feedID}", positionSvc.HandleGetFeed)
			if cfg.FeedPublishing {
				r.Put("/feeds/{feedID}", positionSvc.HandlePublishFeed)
			}
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}
