// Package store holds immutable representation bundles keyed by identifier.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/23skdu/reprsim/internal/core"
	"github.com/23skdu/reprsim/internal/logging"
	"github.com/23skdu/reprsim/internal/metrics"
	"github.com/23skdu/reprsim/internal/tensor"
	"github.com/23skdu/reprsim/internal/tracing"
	"github.com/23skdu/reprsim/internal/transport"
)

// Bundle is a decoded representation together with its precomputed
// statistics. A Bundle is never modified after it is stored.
type Bundle struct {
	Matrix     *tensor.Matrix
	GlobalMean []float32
	RowNorms   []float32
}

// Side is the grid edge length of the bundle.
func (b *Bundle) Side() int {
	side, _ := core.GridSide(b.Matrix.Rows())
	return side
}

// SizeBytes estimates the memory held by the bundle's float data.
func (b *Bundle) SizeBytes() int64 {
	n := b.Matrix.Rows()*b.Matrix.Cols() + len(b.GlobalMean) + len(b.RowNorms)
	return int64(n) * 4
}

// Store maps representation keys to bundles. It is safe for concurrent use.
// Entries live as long as the Store.
type Store struct {
	fetcher  transport.Fetcher
	logger   zerolog.Logger
	maxBytes int64

	mu      sync.RWMutex
	bundles map[string]*Bundle

	inflight singleflight.Group
	callMu   sync.Mutex
	calls    map[string]*loadCall
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMaxPayloadBytes rejects fetched payloads larger than n bytes.
func WithMaxPayloadBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

func New(fetcher transport.Fetcher, opts ...Option) *Store {
	s := &Store{
		fetcher: fetcher,
		logger:  zerolog.Nop(),
		bundles: make(map[string]*Bundle),
		calls:   make(map[string]*loadCall),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Has reports whether key has a complete bundle.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bundles[key]
	return ok
}

// Get returns the bundle for key. The bundle is shared and must be treated as
// read-only.
func (s *Store) Get(key string) (*Bundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[key]
	return b, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bundles)
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.bundles))
	for k := range s.bundles {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// IngestURL ingests a representation whose key is its own source URL.
func (s *Store) IngestURL(ctx context.Context, url string, gridSide, embeddingWidth int) error {
	return s.Ingest(ctx, url, url, gridSide, embeddingWidth)
}

// Ingest fetches source, decodes it as a (gridSide², embeddingWidth) float16
// tensor and stores the resulting bundle under key. Ingesting a key that is
// already present is a no-op. Concurrent calls for the same key share one
// fetch, which is cancelled only once every caller waiting on it has given
// up. On any error nothing is stored.
func (s *Store) Ingest(ctx context.Context, key, source string, gridSide, embeddingWidth int) error {
	if s.Has(key) {
		metrics.IngestTotal.WithLabelValues("cached").Inc()
		s.logger.Debug().Str("key", key).Msg("Representation already loaded")
		return nil
	}

	if gridSide <= 0 || embeddingWidth <= 0 {
		metrics.IngestTotal.WithLabelValues("malformed").Inc()
		return core.NewMalformedError(source, "invalid dimensions")
	}

	for attempt := 0; ; attempt++ {
		err := s.join(ctx, key, source, gridSide, embeddingWidth)
		// A load abandoned by its earlier waiters reports context.Canceled
		// to a caller that joined late; that caller starts a fresh load.
		if err != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil && attempt < maxRejoins {
			continue
		}
		return err
	}
}

const maxRejoins = 2

// loadCall tracks the callers waiting on one in-flight load.
type loadCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (s *Store) join(ctx context.Context, key, source string, gridSide, embeddingWidth int) error {
	if err := ctx.Err(); err != nil {
		return core.NewTransportError(source, err)
	}

	s.callMu.Lock()
	c, ok := s.calls[key]
	if !ok {
		lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &loadCall{ctx: lctx, cancel: cancel}
		s.calls[key] = c
	}
	c.waiters++
	s.callMu.Unlock()
	defer s.leave(key, c)

	ch := s.inflight.DoChan(key, func() (interface{}, error) {
		return nil, s.load(c.ctx, key, source, gridSide, embeddingWidth)
	})
	select {
	case res := <-ch:
		if res.Shared && res.Err == nil {
			metrics.IngestTotal.WithLabelValues("shared").Inc()
		}
		return res.Err
	case <-ctx.Done():
		return core.NewTransportError(source, ctx.Err())
	}
}

// leave drops one waiter from c; the last one out cancels the load.
func (s *Store) leave(key string, c *loadCall) {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return
	}
	c.cancel()
	if s.calls[key] == c {
		delete(s.calls, key)
	}
}

func (s *Store) load(ctx context.Context, key, source string, gridSide, embeddingWidth int) (err error) {
	if s.Has(key) {
		metrics.IngestTotal.WithLabelValues("cached").Inc()
		return nil
	}

	ctx, span := tracing.Start(ctx, "store.Ingest",
		attribute.String("reprsim.key", key),
		attribute.Int("reprsim.grid_side", gridSide),
		attribute.Int("reprsim.embedding_width", embeddingWidth),
	)
	start := time.Now()
	defer func() {
		metrics.IngestDurationSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.IngestTotal.WithLabelValues(outcome(err)).Inc()
			l := logging.WithTrace(ctx, s.logger)
			l.Warn().Err(err).
				Str("key", key).
				Str("source", source).
				Msg("Representation ingestion failed")
		}
		span.SetError(err)
		span.End()
	}()

	raw, err := s.fetcher.Fetch(ctx, source)
	if err != nil {
		return core.NewTransportError(source, err)
	}
	if s.maxBytes > 0 && int64(len(raw)) > s.maxBytes {
		return core.NewTransportError(source, fmt.Errorf("%w: %d bytes", transport.ErrPayloadTooLarge, len(raw)))
	}
	span.SetAttributes(attribute.Int("reprsim.payload_bytes", len(raw)))

	bundle, err := buildBundle(source, raw, gridSide, embeddingWidth)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.bundles[key]; exists {
		s.mu.Unlock()
		metrics.IngestTotal.WithLabelValues("cached").Inc()
		return nil
	}
	s.bundles[key] = bundle
	n := len(s.bundles)
	s.mu.Unlock()

	metrics.IngestTotal.WithLabelValues("inserted").Inc()
	metrics.StoreEntries.Set(float64(n))
	metrics.StoreBytes.Add(float64(bundle.SizeBytes()))

	s.logger.Info().
		Str("key", key).
		Int("positions", bundle.Matrix.Rows()).
		Int("width", bundle.Matrix.Cols()).
		Dur("elapsed", time.Since(start)).
		Msg("Representation loaded")
	return nil
}

// buildBundle decodes raw and computes the bundle statistics.
func buildBundle(source string, raw []byte, gridSide, embeddingWidth int) (*Bundle, error) {
	values, err := tensor.DecodeFloat16LE(raw)
	if err != nil {
		return nil, core.NewMalformedError(source, err.Error())
	}

	for i, v := range values {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return nil, core.NewMalformedError(source, fmt.Sprintf("non-finite value at index %d", i))
		}
	}

	positions := gridSide * gridSide
	expected := positions * embeddingWidth
	if len(values) != expected {
		return nil, core.NewShapeMismatchError(source, expected, len(values))
	}

	m, err := tensor.NewMatrix(positions, embeddingWidth, values)
	if err != nil {
		return nil, core.NewShapeMismatchError(source, expected, len(values))
	}

	return &Bundle{
		Matrix:     m,
		GlobalMean: tensor.ColumnMean(m),
		RowNorms:   tensor.RowNorms(m),
	}, nil
}

func outcome(err error) string {
	var (
		te *core.TransportError
		me *core.MalformedError
		se *core.ShapeMismatchError
	)
	switch {
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &me):
		return "malformed"
	case errors.As(err, &se):
		return "shape_mismatch"
	default:
		return "error"
	}
}
