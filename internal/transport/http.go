package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/23skdu/reprsim/internal/breaker"
)

// Connection pool defaults for the HTTP fetcher
const (
	DefaultMaxIdleConnsPerHost = 16
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultFetchTimeout        = 30 * time.Second
)

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	// Timeout bounds a whole request including the body read.
	Timeout time.Duration
	// MaxBytes caps the accepted body size.
	MaxBytes int64
	// Breaker configures the per-host circuit breakers.
	Breaker breaker.Settings
	// Client overrides the pooled default client (tests).
	Client *http.Client
}

// HTTPFetcher GETs representation payloads over HTTP(S). Each host gets its
// own circuit breaker; 4xx responses do not count against it.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	breakers *breaker.Group
}

func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultFetchTimeout
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
				IdleConnTimeout:     DefaultIdleConnTimeout,
			},
		}
	}

	st := cfg.Breaker
	if st.IsFailure == nil {
		st.IsFailure = isHostFailure
	}

	return &HTTPFetcher{
		client:   client,
		maxBytes: cfg.MaxBytes,
		breakers: breaker.NewGroup(st),
	}
}

// isHostFailure counts network errors and 5xx responses; client errors and
// oversize bodies say nothing about the host's health.
func isHostFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrPayloadTooLarge) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

func (f *HTTPFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("source url %q has no host", source)
	}

	var body []byte
	err = f.breakers.Get(u.Host).Do(ctx, func(ctx context.Context) error {
		var getErr error
		body, getErr = f.get(ctx, source)
		return getErr
	})
	if errors.Is(err, breaker.ErrOpenState) {
		return nil, fmt.Errorf("host %s: %w", u.Host, err)
	}
	return body, err
}

func (f *HTTPFetcher) get(ctx context.Context, source string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Source: source, Code: resp.StatusCode}
	}

	limit := f.maxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if resp.ContentLength > limit {
		return nil, ErrPayloadTooLarge
	}
	return readLimited(resp.Body, limit)
}

// BreakerStates reports the circuit state of every host contacted so far.
func (f *HTTPFetcher) BreakerStates() map[string]breaker.State {
	return f.breakers.States()
}
