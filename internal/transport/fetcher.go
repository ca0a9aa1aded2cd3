// Package transport retrieves raw representation payloads by identifier.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/23skdu/reprsim/internal/metrics"
)

// DefaultMaxBytes caps a single payload. A 64x64 grid of 1280-wide float16
// embeddings is 10 MiB, so this leaves ample headroom.
const DefaultMaxBytes int64 = 256 << 20

var (
	// ErrUnsupportedScheme is returned by Router for unregistered schemes.
	ErrUnsupportedScheme = errors.New("unsupported source scheme")
	// ErrPayloadTooLarge is returned when a body exceeds the configured cap.
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
)

// Fetcher retrieves the full body identified by source.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, source string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, source string) ([]byte, error) {
	return f(ctx, source)
}

// StatusError reports a non-success response from a remote source.
type StatusError struct {
	Source string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.Source, e.Code)
}

// Router dispatches to a Fetcher by URL scheme. Sources without a scheme are
// treated as "file".
type Router struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

func NewRouter() *Router {
	return &Router{fetchers: make(map[string]Fetcher)}
}

// Register binds f to each of schemes, replacing any previous binding.
func (r *Router) Register(f Fetcher, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.fetchers[strings.ToLower(s)] = f
	}
}

// Schemes lists the registered schemes.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fetchers))
	for s := range r.fetchers {
		out = append(out, s)
	}
	return out
}

func (r *Router) Fetch(ctx context.Context, source string) ([]byte, error) {
	scheme := Scheme(source)

	r.mu.RLock()
	f, ok := r.fetchers[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	body, err := f.Fetch(ctx, source)
	if err != nil {
		metrics.FetchErrorsTotal.WithLabelValues(scheme).Inc()
		return nil, err
	}
	metrics.FetchBytesTotal.WithLabelValues(scheme).Add(float64(len(body)))
	return body, nil
}

// Scheme returns the lower-cased URL scheme of source, or "file" when it has
// none.
func Scheme(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// A single-letter scheme is a Windows drive letter.
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

// readLimited reads r fully, failing once more than limit bytes arrive.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrPayloadTooLarge
	}
	return body, nil
}
