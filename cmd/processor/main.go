// Command processor runs the Billie servicing event processor.
//
// It consumes domain events from Redis Streams (the external inbox and
// the internal CRM stream) under a consumer group and projects them
// into MongoDB read models for customers, loan accounts, conversations
// and write-off requests.
//
// # Configuration
//
// Environment variables:
//
//	REDIS_URL          - Redis connection URL (default: "redis://localhost:6379")
//	INBOX_STREAM       - external event stream (default: "inbox:billie-servicing")
//	INTERNAL_STREAM    - internal/CRM event stream (default: "internal:billie-servicing")
//	CONSUMER_GROUP     - consumer group name (default: "billie-servicing-processor")
//	DLQ_STREAM         - dead letter stream (default: "dlq:billie-servicing")
//	MONGODB_URL        - MongoDB connection URL (default: "mongodb://localhost:27017")
//	DB_NAME            - projection database name (default: "billie-servicing")
//	MAX_RETRIES        - deliveries before dead-lettering (default: 3)
//	DEDUP_TTL_SECONDS  - deduplication mark lifetime (default: 86400)
//	BATCH_SIZE         - entries per read (default: 10)
//	BLOCK_TIMEOUT_MS   - XREADGROUP block timeout (default: 1000)
//	LOG_LEVEL          - set to DEBUG for debug logging (default: "INFO")
//	METRICS_ADDR       - metrics and health listen address (default: ":9090")
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/billie-money/servicing-processor/config"
	"github.com/billie-money/servicing-processor/handlers"
	"github.com/billie-money/servicing-processor/processor"
	"github.com/billie-money/servicing-processor/projection"
)

func main() {
	cfg := config.Load()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if strings.EqualFold(cfg.LogLevel, "DEBUG") {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx = log.With(ctx, log.KV{K: "svc", V: "servicing-processor"})

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "processor exited")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "connected to redis"})

	// MongoDB.
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mongoClient, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongodb")
		}
	}()

	store, err := projection.New(ctx, projection.Options{
		Client:   mongoClient,
		Database: cfg.DBName,
	})
	if err != nil {
		return fmt.Errorf("init projection store: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "connected to mongodb"}, log.KV{K: "db", V: cfg.DBName})

	// Metrics and health endpoints.
	registry := prometheus.NewRegistry()
	metrics := processor.NewMetrics(registry)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.Handler(health.NewChecker(store)))
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf(ctx, err, "metrics server")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	p := processor.New(rdb, store, handlers.Default(ctx), processor.Config{
		InboxStream:    cfg.InboxStream,
		InternalStream: cfg.InternalStream,
		ConsumerGroup:  cfg.ConsumerGroup,
		DLQStream:      cfg.DLQStream,
		MaxRetries:     cfg.MaxRetries,
		DedupTTL:       cfg.DedupTTL,
		BatchSize:      cfg.BatchSize,
		BlockTimeout:   cfg.BlockTimeout,
	}, metrics)

	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("run processor: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "processor stopped"})
	return nil
}
