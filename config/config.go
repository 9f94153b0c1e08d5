// Package config loads processor settings from the environment.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the processor. Fields map one to one
// to environment variables; defaults suit local development against a
// plain Redis and MongoDB.
type Config struct {
	RedisURL       string
	InboxStream    string
	InternalStream string
	ConsumerGroup  string
	DLQStream      string

	MongoURL string
	DBName   string

	MaxRetries   int64
	DedupTTL     time.Duration
	BatchSize    int64
	BlockTimeout time.Duration

	LogLevel    string
	MetricsAddr string
}

// Load reads the configuration from environment variables.
func Load() Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("INBOX_STREAM", "inbox:billie-servicing")
	v.SetDefault("INTERNAL_STREAM", "internal:billie-servicing")
	v.SetDefault("CONSUMER_GROUP", "billie-servicing-processor")
	v.SetDefault("DLQ_STREAM", "dlq:billie-servicing")

	v.SetDefault("MONGODB_URL", "mongodb://localhost:27017")
	v.SetDefault("DB_NAME", "billie-servicing")

	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("DEDUP_TTL_SECONDS", 86400)
	v.SetDefault("BATCH_SIZE", 10)
	v.SetDefault("BLOCK_TIMEOUT_MS", 1000)

	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("METRICS_ADDR", ":9090")

	return Config{
		RedisURL:       v.GetString("REDIS_URL"),
		InboxStream:    v.GetString("INBOX_STREAM"),
		InternalStream: v.GetString("INTERNAL_STREAM"),
		ConsumerGroup:  v.GetString("CONSUMER_GROUP"),
		DLQStream:      v.GetString("DLQ_STREAM"),

		MongoURL: v.GetString("MONGODB_URL"),
		DBName:   v.GetString("DB_NAME"),

		MaxRetries:   v.GetInt64("MAX_RETRIES"),
		DedupTTL:     time.Duration(v.GetInt64("DEDUP_TTL_SECONDS")) * time.Second,
		BatchSize:    v.GetInt64("BATCH_SIZE"),
		BlockTimeout: time.Duration(v.GetInt64("BLOCK_TIMEOUT_MS")) * time.Millisecond,

		LogLevel:    v.GetString("LOG_LEVEL"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
	}
}
