package transport

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/23skdu/reprsim/internal/breaker"
	"github.com/23skdu/reprsim/internal/metrics"
	"github.com/23skdu/reprsim/internal/resilience"
)

// RetryFetcher retries transient failures of the wrapped fetcher: network
// errors and 5xx responses. Client errors, oversize payloads and open
// breakers fail immediately.
type RetryFetcher struct {
	next   Fetcher
	policy resilience.RetryPolicy
	logger zerolog.Logger
}

func NewRetryFetcher(next Fetcher, policy resilience.RetryPolicy, logger zerolog.Logger) *RetryFetcher {
	if policy.Retryable == nil {
		policy.Retryable = isTransient
	}
	return &RetryFetcher{next: next, policy: policy, logger: logger}
}

func isTransient(err error) bool {
	return isHostFailure(err) &&
		!errors.Is(err, breaker.ErrOpenState) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (f *RetryFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	policy := f.policy
	scheme := Scheme(source)
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error) {
		metrics.FetchRetriesTotal.WithLabelValues(scheme).Inc()
		f.logger.Debug().Err(err).Str("source", source).Int("attempt", attempt).Msg("Retrying fetch")
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	return resilience.Retry(ctx, policy, func(ctx context.Context) ([]byte, error) {
		return f.next.Fetch(ctx, source)
	})
}
