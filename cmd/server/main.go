package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/finfolio/holdings-engine/internal/consumer"
	"github.com/finfolio/holdings-engine/internal/holdings"
	"github.com/finfolio/holdings-engine/internal/metrics"
	"github.com/finfolio/holdings-engine/internal/store"
	"github.com/finfolio/holdings-engine/internal/stream"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := envOr("PORT", "8080")
	streamPrefix := envOr("STREAM_PREFIX", "transactions")
	group := envOr("CONSUMER_GROUP", "holdings-engine")
	partitions := envInt("PARTITIONS", 4)
	maxAttempts := envInt("MAX_ATTEMPTS", 5)

	// --- Broker connection (required) ---
	// The stream being unreachable at startup fails the whole service;
	// everything downstream depends on it.
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		slog.Error("REDIS_URL not set")
		os.Exit(1)
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "err", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "holdings-engine"
	}
	events := stream.NewRedisStream(rdb, streamPrefix, group, hostname, partitions)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if err := events.Ping(startupCtx); err != nil {
		cancelStartup()
		slog.Error("event stream unreachable", "err", err)
		os.Exit(1)
	}
	cancelStartup()
	slog.Info("connected to event stream", "prefix", streamPrefix, "partitions", partitions)

	// --- Position store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		if err := pool.Ping(context.Background()); err != nil {
			slog.Error("database unreachable", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Read-through cache on the holdings-query path.
		st = store.NewCachedStore(st, rdb, 30*time.Second)
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := holdings.NewWSHub()
	go wsHub.Run()

	// --- Event consumer ---
	cons := consumer.New(st, events, consumer.Options{
		MaxAttempts: maxAttempts,
		Broadcaster: wsHub,
	})

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		cons.Run(consumerCtx)
	}()

	// --- Holdings query API ---
	holdingsSvc := holdings.NewService(st)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"holdings-engine"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			writeJSONStatus(w, http.StatusServiceUnavailable, "store unreachable")
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			writeJSONStatus(w, http.StatusServiceUnavailable, "stream unreachable")
			return
		}
		writeJSONStatus(w, http.StatusOK, "ready")
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time position updates.
		r.Get("/ws", wsHub.HandleWS)

		// Holdings queries.
		r.Get("/holdings/{userID}", holdingsSvc.GetHoldings)
		r.Get("/holdings/{userID}/{symbol}", holdingsSvc.GetHolding)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("holdings-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop pulling new events first, then drain HTTP.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down holdings-engine...")
	stopConsumer()

	select {
	case <-consumerDone:
	case <-time.After(10 * time.Second):
		slog.Warn("consumer did not stop in time")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("holdings-engine stopped")
}

func writeJSONStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q}`, status)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		slog.Warn("invalid integer env, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}
