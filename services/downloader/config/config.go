package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the downloader service.
type Config struct {
	LogLevel         string
	PostgresDSN      string
	RedisAddr        string
	KafkaBrokers     string
	BucketURL        string
	Workers          int
	MaxAttempts      int
	ClaimTimeout     time.Duration
	RequestTimeout   time.Duration
	MaxContentLength int64
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	ReclaimInterval  time.Duration
	MetricsAddr      string
	OTelEndpoint     string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		RedisAddr:        v.GetString("redis_addr"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		BucketURL:        v.GetString("bucket_url"),
		Workers:          v.GetInt("workers"),
		MaxAttempts:      v.GetInt("max_attempts"),
		ClaimTimeout:     v.GetDuration("claim_timeout"),
		RequestTimeout:   v.GetDuration("request_timeout"),
		MaxContentLength: v.GetInt64("max_content_length"),
		BackoffBase:      v.GetDuration("backoff_base"),
		BackoffCap:       v.GetDuration("backoff_cap"),
		ReclaimInterval:  v.GetDuration("reclaim_interval"),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
	}
}
