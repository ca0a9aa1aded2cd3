package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/23skdu/reprsim/internal/limiter"
)

// EnvPrefix prefixes every environment variable, e.g. REPRSIM_HTTP_ADDR.
const EnvPrefix = "REPRSIM"

// Config is the process configuration, read from the environment.
type Config struct {
	FlightAddr  string `envconfig:"FLIGHT_ADDR" default:"0.0.0.0:3000"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// Ingestion
	FetchTimeout    time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	FetchRetries    int           `envconfig:"FETCH_RETRIES" default:"2"`
	FetchRetryDelay time.Duration `envconfig:"FETCH_RETRY_DELAY" default:"200ms"`
	MaxPayloadBytes int64         `envconfig:"MAX_PAYLOAD_BYTES" default:"268435456"` // 256MB
	ResultCacheSize int           `envconfig:"RESULT_CACHE_SIZE" default:"1024"`
	FileRoot        string        `envconfig:"FILE_ROOT"`

	// S3-compatible sources (s3://bucket/key)
	S3Enabled         bool   `envconfig:"S3_ENABLED" default:"false"`
	S3Endpoint        string `envconfig:"S3_ENDPOINT"`
	S3Region          string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle    bool   `envconfig:"S3_USE_PATH_STYLE" default:"false"`

	// Per-host circuit breakers on the HTTP fetch path
	BreakerFailures uint32        `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerTimeout  time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`

	limiter.Config

	TraceEnabled    bool    `envconfig:"TRACE_ENABLED" default:"false"`
	TraceSampleRate float64 `envconfig:"TRACE_SAMPLE_RATE" default:"1.0"`

	// DoGet batching
	ChunkMinRows int `envconfig:"CHUNK_MIN_ROWS" default:"512"`
	ChunkMaxRows int `envconfig:"CHUNK_MAX_ROWS" default:"8192"`

	// gRPC server
	KeepAliveTime                time.Duration `envconfig:"KEEPALIVE_TIME" default:"2h"`
	KeepAliveTimeout             time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`
	KeepAliveMinTime             time.Duration `envconfig:"KEEPALIVE_MIN_TIME" default:"5m"`
	KeepAlivePermitWithoutStream bool          `envconfig:"KEEPALIVE_PERMIT_WITHOUT_STREAM" default:"false"`
	GRPCMaxRecvMsgSize           int           `envconfig:"GRPC_MAX_RECV_MSG_SIZE" default:"4194304"`    // 4MB
	GRPCMaxSendMsgSize           int           `envconfig:"GRPC_MAX_SEND_MSG_SIZE" default:"67108864"`   // 64MB
	GRPCInitialWindowSize        int32         `envconfig:"GRPC_INITIAL_WINDOW_SIZE" default:"1048576"` // 1MB
	GRPCInitialConnWindowSize    int32         `envconfig:"GRPC_INITIAL_CONN_WINDOW_SIZE" default:"1048576"`
	GRPCMaxConcurrentStreams     uint32        `envconfig:"GRPC_MAX_CONCURRENT_STREAMS" default:"250"`
}

// Config validation errors
var (
	ErrInvalidFlightAddr      = errors.New("flight_addr cannot be empty")
	ErrInvalidHTTPAddr        = errors.New("http_addr cannot be empty")
	ErrInvalidMetricsAddr     = errors.New("metrics_addr cannot be empty")
	ErrInvalidLogFormat       = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel        = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidFetchTimeout    = errors.New("fetch_timeout must be positive")
	ErrInvalidFetchRetries    = errors.New("fetch_retries must be >= 0 and fetch_retry_delay positive")
	ErrInvalidMaxPayloadBytes = errors.New("max_payload_bytes must be positive")
	ErrInvalidResultCacheSize = errors.New("result_cache_size must be >= 0")
	ErrInvalidBreakerFailures = errors.New("breaker_failures must be positive")
	ErrInvalidBreakerTimeout  = errors.New("breaker_timeout must be positive")
	ErrInvalidRateLimit       = errors.New("rate_limit_rps and rate_limit_burst must be >= 0")
	ErrInvalidTraceSampleRate = errors.New("trace_sample_rate must be within [0, 1]")
	ErrInvalidChunkRows       = errors.New("chunk_min_rows must be positive and <= chunk_max_rows")
	ErrInvalidKeepAliveTime   = errors.New("keepalive_time must be positive")
)

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.FlightAddr == "" {
		return ErrInvalidFlightAddr
	}
	if cfg.HTTPAddr == "" {
		return ErrInvalidHTTPAddr
	}
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	if cfg.FetchTimeout <= 0 {
		return ErrInvalidFetchTimeout
	}
	if cfg.FetchRetries < 0 || cfg.FetchRetryDelay <= 0 {
		return ErrInvalidFetchRetries
	}
	if cfg.MaxPayloadBytes <= 0 {
		return ErrInvalidMaxPayloadBytes
	}
	if cfg.ResultCacheSize < 0 {
		return ErrInvalidResultCacheSize
	}
	if cfg.BreakerFailures == 0 {
		return ErrInvalidBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		return ErrInvalidBreakerTimeout
	}
	if cfg.RPS < 0 || cfg.Burst < 0 {
		return ErrInvalidRateLimit
	}
	if cfg.TraceSampleRate < 0 || cfg.TraceSampleRate > 1 {
		return ErrInvalidTraceSampleRate
	}
	if cfg.ChunkMinRows <= 0 || cfg.ChunkMinRows > cfg.ChunkMaxRows {
		return ErrInvalidChunkRows
	}
	if cfg.KeepAliveTime <= 0 {
		return ErrInvalidKeepAliveTime
	}
	return cfg.ValidateGRPCConfig()
}

// LoadConfig reads an optional .env file, then the environment, and
// validates the result. Variables already set win over .env entries.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		FlightAddr:                   "0.0.0.0:3000",
		HTTPAddr:                     "0.0.0.0:8080",
		MetricsAddr:                  "0.0.0.0:9090",
		LogFormat:                    "json",
		LogLevel:                     "info",
		FetchTimeout:                 30 * time.Second,
		FetchRetries:                 2,
		FetchRetryDelay:              200 * time.Millisecond,
		MaxPayloadBytes:              256 << 20,
		ResultCacheSize:              1024,
		S3Region:                     "us-east-1",
		BreakerFailures:              5,
		BreakerTimeout:               30 * time.Second,
		TraceSampleRate:              1.0,
		ChunkMinRows:                 512,
		ChunkMaxRows:                 8192,
		KeepAliveTime:                2 * time.Hour,
		KeepAliveTimeout:             20 * time.Second,
		KeepAliveMinTime:             5 * time.Minute,
		KeepAlivePermitWithoutStream: false,
		GRPCMaxRecvMsgSize:           4 << 20,
		GRPCMaxSendMsgSize:           64 << 20,
		GRPCInitialWindowSize:        1 << 20,
		GRPCInitialConnWindowSize:    1 << 20,
		GRPCMaxConcurrentStreams:     250,
	}
}
