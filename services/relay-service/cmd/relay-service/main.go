package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/heuristiclogix/platform/libs/config"
	"github.com/heuristiclogix/platform/libs/db"
	"github.com/heuristiclogix/platform/libs/httpx"
	"github.com/heuristiclogix/platform/libs/kafkax"
	otelx "github.com/heuristiclogix/platform/libs/otel"
	"github.com/heuristiclogix/platform/libs/runtime"
	"github.com/heuristiclogix/platform/services/relay-service/internal/facts"
	"github.com/heuristiclogix/platform/services/relay-service/internal/handlers"
	"github.com/heuristiclogix/platform/services/relay-service/internal/outbox"
)

func main() {
	config.Load()

	service := config.String("SERVICE_NAME", "relay-service")
	port, err := config.Port("PORT", "8088")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	maxAttempts := config.Int("OUTBOX_MAX_ATTEMPTS", 5)
	outboxRepo := outbox.NewRepository(pool, maxAttempts)
	notifier := outbox.NewNotifier(nil)
	recorder := facts.NewRecorder(pool, outboxRepo, notifier, logger)
	factsRepo := facts.NewRepository()

	brokersRaw := config.String("KAFKA_BROKERS", "")
	brokers := kafkax.SplitBrokers(brokersRaw)
	if len(brokers) == 0 {
		logger.Warn("outbox publisher disabled (no kafka brokers configured)")
	} else {
		writer := kafkax.NewWriter(brokers)
		defer writer.Close()

		pollInterval := config.Duration("OUTBOX_POLL_INTERVAL", 30*time.Second)
		publisher := outbox.NewPublisher(outboxRepo, writer, notifier, logger, nil, outbox.PublisherConfig{
			PollInterval: pollInterval,
			BatchSize:    config.Int("OUTBOX_BATCH_SIZE", 50),
			StaleAfter:   config.Duration("OUTBOX_STALE_AFTER", 5*pollInterval),
			ArchiveAfter: config.Duration("OUTBOX_ARCHIVE_AFTER", 24*time.Hour),
		})
		go publisher.Run(ctx)
	}

	handler := handlers.New(recorder, factsRepo, outboxRepo)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokersRaw)},
	)
	mux.HandleFunc("/v1/decisions", handler.RecordDecision)
	mux.HandleFunc("/v1/telemetry", handler.RecordTelemetry)
	mux.HandleFunc("/v1/outbox/stats", handler.OutboxStats)

	middleware := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
		httpx.WithTimeout(config.Duration("HTTP_TIMEOUT", 15*time.Second)),
	}
	rateLimit := config.Int("INGEST_RATE_LIMIT", 120)
	rateWindow := config.Duration("INGEST_RATE_WINDOW", time.Minute)
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
		limiter := httpx.NewRedisRateLimiter(rdb, rateLimit, rateWindow, "relay")
		middleware = append(middleware, limiter.Middleware(logger, true))
	} else {
		// Single-instance fallback: the window lives in process memory.
		limiter := httpx.NewRateLimiter(rateLimit, rateWindow)
		middleware = append(middleware, limiter.Middleware())
	}

	wrapped := httpx.Chain(mux, middleware...)
	wrapped = otelhttp.NewHandler(wrapped, "relay")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           wrapped,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
