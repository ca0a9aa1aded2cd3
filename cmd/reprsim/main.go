package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/23skdu/reprsim/internal/api"
	"github.com/23skdu/reprsim/internal/breaker"
	"github.com/23skdu/reprsim/internal/cache"
	reprflight "github.com/23skdu/reprsim/internal/flight"
	"github.com/23skdu/reprsim/internal/health"
	"github.com/23skdu/reprsim/internal/limiter"
	"github.com/23skdu/reprsim/internal/logging"
	"github.com/23skdu/reprsim/internal/resilience"
	"github.com/23skdu/reprsim/internal/simd"
	"github.com/23skdu/reprsim/internal/similarity"
	"github.com/23skdu/reprsim/internal/store"
	"github.com/23skdu/reprsim/internal/tracing"
	"github.com/23skdu/reprsim/internal/transport"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Output:    os.Stdout,
		Component: "reprsim",
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	if cfg.TraceEnabled {
		shutdown, err := tracing.Init(tracing.Config{
			ServiceName:    "reprsim",
			ServiceVersion: version,
			SampleRate:     cfg.TraceSampleRate,
		})
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.serve(ctx, &cfg)
}

// app holds the wired components of a running server.
type app struct {
	logger  zerolog.Logger
	store   *store.Store
	engine  *similarity.Engine
	grpc    *grpc.Server
	handler http.Handler
	closers []func() error
}

func newApp(ctx context.Context, cfg *Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	httpFetcher := transport.NewHTTPFetcher(transport.HTTPConfig{
		Timeout:  cfg.FetchTimeout,
		MaxBytes: cfg.MaxPayloadBytes,
		Breaker: breaker.Settings{
			Failures: cfg.BreakerFailures,
			Timeout:  cfg.BreakerTimeout,
		},
	})
	router := transport.NewRouter()
	var remote transport.Fetcher = httpFetcher
	if cfg.FetchRetries > 0 {
		policy := resilience.DefaultRetryPolicy()
		policy.MaxAttempts = cfg.FetchRetries + 1
		policy.InitialDelay = cfg.FetchRetryDelay
		remote = transport.NewRetryFetcher(httpFetcher, policy, logger)
	}
	router.Register(remote, "http", "https")

	if cfg.FileRoot != "" {
		ff, err := transport.NewFileFetcher(cfg.FileRoot, cfg.MaxPayloadBytes)
		if err != nil {
			return nil, fmt.Errorf("file root: %w", err)
		}
		a.closers = append(a.closers, ff.Close)
		router.Register(ff, "file")
	}

	if cfg.S3Enabled {
		s3f, err := transport.NewS3Fetcher(ctx, transport.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			MaxBytes:        cfg.MaxPayloadBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		router.Register(s3f, "s3")
	}

	a.store = store.New(router,
		store.WithLogger(logger),
		store.WithMaxPayloadBytes(cfg.MaxPayloadBytes),
	)

	results, err := cache.NewResultCache(cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("result cache: %w", err)
	}
	a.engine = similarity.NewEngine(a.store,
		similarity.WithLogger(logger),
		similarity.WithResultCache(results),
	)

	rl := limiter.NewRateLimiter(cfg.Config)

	hm := health.NewHealthManager(version, logger)
	hm.RegisterChecker(health.NewStoreChecker(a.store))
	hm.RegisterChecker(health.NewSourceChecker(httpFetcher.BreakerStates))

	a.grpc = grpc.NewServer(cfg.FlightServerOptions(rl)...)
	flight.RegisterFlightServiceServer(a.grpc, reprflight.NewServer(a.store, a.engine,
		reprflight.WithLogger(logger),
		reprflight.WithChunkRows(cfg.ChunkMinRows, cfg.ChunkMaxRows),
	))

	a.handler = api.NewServer(a.store, a.engine,
		api.WithLogger(logger),
		api.WithRateLimiter(rl),
		api.WithHealth(hm.HTTPHandler()),
	).Handler()

	logger.Info().
		Strs("schemes", router.Schemes()).
		Int("result_cache_size", cfg.ResultCacheSize).
		Bool("rate_limited", rl.Enabled()).
		Str("simd", simd.Implementation()).
		Msg("Components initialized")
	return a, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn().Err(err).Msg("Close failed")
		}
	}
}

// serve runs the Flight, HTTP and metrics listeners until ctx is done or one
// of them fails, then shuts all of them down.
func (a *app) serve(ctx context.Context, cfg *Config) error {
	flightLis, err := net.Listen("tcp", cfg.FlightAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.FlightAddr, err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("address", cfg.FlightAddr).Msg("Arrow Flight server starting")
		return a.grpc.Serve(flightLis)
	})
	g.Go(func() error {
		a.logger.Info().Str("address", cfg.HTTPAddr).Msg("HTTP API server starting")
		return ignoreClosed(httpServer.ListenAndServe())
	})
	g.Go(func() error {
		a.logger.Info().Str("address", cfg.MetricsAddr).Msg("Metrics server starting")
		return ignoreClosed(metricsServer.ListenAndServe())
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("Shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			a.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-sctx.Done():
			a.grpc.Stop()
		}

		return errors.Join(httpServer.Shutdown(sctx), metricsServer.Shutdown(sctx))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
