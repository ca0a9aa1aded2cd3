// Package limiter applies a process-wide token bucket to the Flight and HTTP
// surfaces.
package limiter

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/reprsim/internal/metrics"
)

// Config holds rate limiter configuration
type Config struct {
	RPS   int `envconfig:"RATE_LIMIT_RPS" default:"0"`   // 0 means disabled
	Burst int `envconfig:"RATE_LIMIT_BURST" default:"0"` // 0 means use RPS
}

// RateLimiter wraps the token bucket limiter. A disabled limiter passes every
// request through.
type RateLimiter struct {
	limiter *rate.Limiter
	enabled bool
}

func NewRateLimiter(cfg Config) *RateLimiter {
	if cfg.RPS <= 0 {
		return &RateLimiter{enabled: false}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst),
		enabled: true,
	}
}

func (l *RateLimiter) Enabled() bool { return l.enabled }

// wait blocks for a token. Context errors pass through as their gRPC status;
// a wait that cannot finish before the deadline is ResourceExhausted.
func (l *RateLimiter) wait(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return status.FromContextError(err).Err()
		}
		metrics.RateLimitRequestsTotal.WithLabelValues("throttled").Inc()
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
	return nil
}

// UnaryInterceptor returns a gRPC unary interceptor
func (l *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := l.wait(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor
func (l *RateLimiter) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := l.wait(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// Middleware rejects HTTP requests with 429 when no token is available.
// Browsers poll while a representation loads, so queueing would only pile up
// stale requests.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !l.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := l.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			metrics.RateLimitRequestsTotal.WithLabelValues("throttled").Inc()
			secs := int(delay.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		next.ServeHTTP(w, r)
	})
}
