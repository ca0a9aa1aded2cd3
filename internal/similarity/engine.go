// Package similarity scores one grid position of a representation against
// every position of another.
package similarity

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/reprsim/internal/cache"
	"github.com/23skdu/reprsim/internal/core"
	"github.com/23skdu/reprsim/internal/logging"
	"github.com/23skdu/reprsim/internal/metrics"
	"github.com/23skdu/reprsim/internal/store"
	"github.com/23skdu/reprsim/internal/tracing"
)

// Engine answers similarity queries against bundles held by a Store. It never
// fetches; missing bundles surface as *core.NotReadyError.
type Engine struct {
	store  *store.Store
	cache  *cache.ResultCache
	logger zerolog.Logger
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithResultCache memoises results. A nil cache disables memoisation.
func WithResultCache(c *cache.ResultCache) Option {
	return func(e *Engine) { e.cache = c }
}

func NewEngine(s *store.Store, opts ...Option) *Engine {
	e := &Engine{store: s, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SimilarityByName is Similarity with the metric given by its wire name.
func (e *Engine) SimilarityByName(ctx context.Context, name, key1, key2 string, row, col int) ([]float32, error) {
	m, err := core.ParseMetric(name)
	if err != nil {
		metrics.SimilarityTotal.WithLabelValues("unknown", "unknown_metric").Inc()
		return nil, err
	}
	return e.Similarity(ctx, m, key1, key2, row, col)
}

// Similarity compares position (row, col) of key1 with every position of
// key2 under metric. The result has one entry per position of key2, in
// row-major order.
func (e *Engine) Similarity(ctx context.Context, metric core.Metric, key1, key2 string, row, col int) (scores []float32, err error) {
	if !metric.Valid() {
		metrics.SimilarityTotal.WithLabelValues("unknown", "unknown_metric").Inc()
		return nil, core.NewUnknownMetricError("metric(" + strconv.Itoa(int(metric)) + ")")
	}
	name := metric.String()

	ctx, span := tracing.Start(ctx, "similarity.Compute",
		attribute.String("reprsim.metric", name),
		attribute.String("reprsim.key1", key1),
		attribute.String("reprsim.key2", key2),
		attribute.Int("reprsim.row", row),
		attribute.Int("reprsim.col", col),
	)
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = errorStatus(err)
		}
		metrics.SimilarityTotal.WithLabelValues(name, status).Inc()
		metrics.SimilarityDurationSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
		span.SetError(err)
		span.End()
	}()

	q := cache.Query{Metric: metric, Key1: key1, Key2: key2, Row: row, Col: col}
	if cached, ok := e.cache.Get(q); ok {
		span.SetAttributes(attribute.Bool("reprsim.cache_hit", true))
		return cached, nil
	}

	src, ok := e.store.Get(key1)
	if !ok {
		return nil, core.NewNotReadyError(key1)
	}
	dst, ok := e.store.Get(key2)
	if !ok {
		return nil, core.NewNotReadyError(key2)
	}

	idx, err := core.FlatIndex(row, col, src.Side())
	if err != nil {
		return nil, err
	}
	if w1, w2 := src.Matrix.Cols(), dst.Matrix.Cols(); w1 != w2 {
		return nil, core.NewWidthMismatchError(key1, w1, key2, w2)
	}

	width := src.Matrix.Cols()
	qr := &query{
		src:  src,
		dst:  dst,
		idx:  idx,
		a:    src.Matrix.Row(idx),
		out:  make([]float32, dst.Matrix.Rows()),
		temp: make([]float32, width),
	}
	scorers[metric](qr)

	e.cache.Put(q, qr.out)
	l := logging.WithTrace(ctx, e.logger)
	l.Debug().
		Str("metric", name).
		Str("key1", key1).
		Str("key2", key2).
		Int("row", row).
		Int("col", col).
		Dur("elapsed", time.Since(start)).
		Msg("Similarity computed")
	return qr.out, nil
}

func errorStatus(err error) string {
	switch {
	case core.IsRetryable(err):
		return "not_ready"
	case core.IsInvalidInput(err):
		return "invalid"
	default:
		return "error"
	}
}
