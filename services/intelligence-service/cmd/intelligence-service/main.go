package main

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/heuristiclogix/platform/libs/config"
	"github.com/heuristiclogix/platform/libs/db"
	"github.com/heuristiclogix/platform/libs/httpx"
	"github.com/heuristiclogix/platform/libs/kafkax"
	otelx "github.com/heuristiclogix/platform/libs/otel"
	"github.com/heuristiclogix/platform/libs/runtime"
	"github.com/heuristiclogix/platform/services/intelligence-service/internal/consumer"
	"github.com/heuristiclogix/platform/services/intelligence-service/internal/enrichment"
	"github.com/heuristiclogix/platform/services/intelligence-service/internal/handlers"
)

func main() {
	config.Load()

	service := config.String("SERVICE_NAME", "intelligence-service")
	port, err := config.Port("PORT", "8089")
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

	repo := enrichment.NewRepository(pool)
	provider := enrichment.NewGeminiClient(
		config.String("GEMINI_ENDPOINT", ""),
		config.String("GEMINI_API_KEY", ""),
		config.String("GEMINI_MODEL", ""),
	)
	enrichTimeout := config.Duration("ENRICH_TIMEOUT", 30*time.Second)
	processor := consumer.NewProcessor(repo, provider, logger, nil, enrichTimeout)

	brokersRaw := config.String("KAFKA_BROKERS", "")
	if len(kafkax.SplitBrokers(brokersRaw)) == 0 {
		logger.Warn("bus consumer disabled (no kafka brokers configured)")
	} else {
		c := consumer.New(logger, processor, nil, consumer.Config{
			Brokers: brokersRaw,
			GroupID: config.String("KAFKA_GROUP_ID", "intelligence-workers"),
			Topics: []string{
				config.String("TOPIC_DECISIONS", "expert.decisions.v1"),
				config.String("TOPIC_TELEMETRY", "heuristic.telemetry.v1"),
				config.String("TOPIC_HISTORIC", "historic.deliveries.v1"),
			},
			RetryDelay: config.Duration("CONSUMER_RETRY_DELAY", time.Second),
		})
		go c.Run(ctx)
	}

	handler := handlers.New(repo, provider, logger, nil, enrichTimeout)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokersRaw)},
	)
	mux.HandleFunc("/v1/analyze", handler.Analyze)
	mux.HandleFunc("/v1/enrichments/{event_id}", handler.GetEnrichment)
	mux.HandleFunc("/metrics", handler.Metrics)

	// The request timeout must outlive a worst-case provider call on /v1/analyze.
	wrapped := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(config.Duration("HTTP_TIMEOUT", enrichTimeout+15*time.Second)),
	)
	wrapped = otelhttp.NewHandler(wrapped, "intelligence")
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
