package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/reprsim/internal/core"
	"github.com/23skdu/reprsim/internal/tensor"
	"github.com/23skdu/reprsim/internal/transport"
)

// memFetcher serves payloads from a map and counts fetches.
type memFetcher struct {
	payloads map[string][]byte
	calls    atomic.Int32
}

func (f *memFetcher) Fetch(_ context.Context, source string) ([]byte, error) {
	f.calls.Add(1)
	b, ok := f.payloads[source]
	if !ok {
		return nil, &transport.StatusError{Source: source, Code: 404}
	}
	return b, nil
}

func newMemFetcher(entries map[string][]float32) *memFetcher {
	f := &memFetcher{payloads: make(map[string][]byte)}
	for k, v := range entries {
		f.payloads[k] = tensor.EncodeFloat16LE(v)
	}
	return f
}

func TestIngest_BuildsBundle(t *testing.T) {
	// 2x2 grid, width 2
	values := []float32{3, 4, 0, 1, 1, 0, -1, 2}
	f := newMemFetcher(map[string][]float32{"a": values})
	s := New(f)

	require.NoError(t, s.Ingest(context.Background(), "a", "a", 2, 2))
	require.True(t, s.Has("a"))

	b, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 4, b.Matrix.Rows())
	assert.Equal(t, 2, b.Matrix.Cols())
	assert.Equal(t, 2, b.Side())
	assert.InDeltaSlice(t, []float32{0.75, 1.75}, b.GlobalMean, 1e-6)
	assert.InDeltaSlice(t, []float32{5, 1, 1, float32(math.Sqrt(5))}, b.RowNorms, 1e-5)
	assert.Equal(t, int64(4*(8+2+4)), b.SizeBytes())
}

func TestIngest_Idempotent(t *testing.T) {
	f := newMemFetcher(map[string][]float32{"a": {1, 2, 3, 4}})
	s := New(f)
	ctx := context.Background()

	require.NoError(t, s.IngestURL(ctx, "a", 2, 1))
	first, _ := s.Get("a")

	require.NoError(t, s.IngestURL(ctx, "a", 2, 1))
	second, _ := s.Get("a")

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, s.Len())
}

func TestIngest_OddByteLength(t *testing.T) {
	f := &memFetcher{payloads: map[string][]byte{"odd": {0x00, 0x3C, 0x00}}}
	s := New(f)

	err := s.Ingest(context.Background(), "odd", "odd", 1, 1)
	var me *core.MalformedError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "odd byte length", me.Reason)
	assert.False(t, s.Has("odd"))
}

func TestIngest_NonFiniteValues(t *testing.T) {
	f := &memFetcher{payloads: map[string][]byte{
		"inf": {0x00, 0x3C, 0x00, 0x7C, 0x00, 0x40, 0x00, 0x42}, // 1, +Inf, 2, 3
		"nan": {0x00, 0x7E},
	}}
	s := New(f)

	err := s.Ingest(context.Background(), "inf", "inf", 2, 1)
	var me *core.MalformedError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "non-finite value at index 1", me.Reason)
	assert.False(t, s.Has("inf"))

	err = s.Ingest(context.Background(), "nan", "nan", 1, 1)
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "non-finite value at index 0", me.Reason)
}

func TestIngest_ShapeMismatch(t *testing.T) {
	f := newMemFetcher(map[string][]float32{"a": {1, 2, 3, 4, 5, 6}})
	s := New(f)

	err := s.Ingest(context.Background(), "a", "a", 2, 2)
	var se *core.ShapeMismatchError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 8, se.Expected)
	assert.Equal(t, 6, se.Actual)
	assert.False(t, s.Has("a"))
}

func TestIngest_InvalidDimensions(t *testing.T) {
	f := newMemFetcher(nil)
	s := New(f)

	for _, dims := range [][2]int{{0, 1}, {1, 0}, {-2, 3}} {
		err := s.Ingest(context.Background(), "a", "a", dims[0], dims[1])
		var me *core.MalformedError
		assert.ErrorAs(t, err, &me, "dims %v", dims)
	}
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestIngest_TransportError(t *testing.T) {
	f := newMemFetcher(nil)
	s := New(f)

	err := s.Ingest(context.Background(), "k", "http://host/missing.bin", 1, 1)
	var te *core.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "http://host/missing.bin", te.Source)

	var status *transport.StatusError
	assert.ErrorAs(t, err, &status)
	assert.False(t, s.Has("k"))
}

func TestIngest_PayloadCap(t *testing.T) {
	f := newMemFetcher(map[string][]float32{"a": make([]float32, 16)})
	s := New(f, WithMaxPayloadBytes(8))

	err := s.Ingest(context.Background(), "a", "a", 4, 1)
	assert.ErrorIs(t, err, transport.ErrPayloadTooLarge)
	assert.False(t, s.Has("a"))
}

func TestIngest_ContextCanceled(t *testing.T) {
	blocking := transport.FetcherFunc(func(ctx context.Context, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := New(blocking)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Ingest(ctx, "a", "a", 1, 1)
	var te *core.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Has("a"))
	assert.Equal(t, 0, s.Len())
}

func TestIngest_FailureThenRetry(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	payload := tensor.EncodeFloat16LE([]float32{1})
	f := transport.FetcherFunc(func(context.Context, string) ([]byte, error) {
		if fail.Load() {
			return nil, errors.New("connection reset")
		}
		return payload, nil
	})
	s := New(f)

	require.Error(t, s.Ingest(context.Background(), "a", "a", 1, 1))
	assert.False(t, s.Has("a"))

	fail.Store(false)
	require.NoError(t, s.Ingest(context.Background(), "a", "a", 1, 1))
	assert.True(t, s.Has("a"))
}

func TestIngest_ConcurrentSameKey(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	payload := tensor.EncodeFloat16LE([]float32{1, 2, 3, 4})
	f := transport.FetcherFunc(func(context.Context, string) ([]byte, error) {
		calls.Add(1)
		<-release
		return payload, nil
	})
	s := New(f)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Ingest(context.Background(), "a", "a", 2, 1)
		}()
	}
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, s.Len())
}

func waitForWaiters(t *testing.T, s *Store, key string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.callMu.Lock()
		defer s.callMu.Unlock()
		c, ok := s.calls[key]
		return ok && c.waiters == n
	}, 2*time.Second, time.Millisecond)
}

func TestIngest_LeaderCancelDoesNotFailFollower(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	payload := tensor.EncodeFloat16LE([]float32{1, 2, 3, 4})
	f := transport.FetcherFunc(func(ctx context.Context, _ string) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s := New(f)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		leaderErr <- s.Ingest(leaderCtx, "a", "a", 2, 1)
	}()
	<-started

	followerErr := make(chan error, 1)
	go func() {
		followerErr <- s.Ingest(context.Background(), "a", "a", 2, 1)
	}()
	waitForWaiters(t, s, "a", 2)

	cancel()
	err := <-leaderErr
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-followerErr)
	assert.True(t, s.Has("a"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIngest_LastWaiterCancelStopsLoad(t *testing.T) {
	started := make(chan struct{})
	fetchErr := make(chan error, 1)
	f := transport.FetcherFunc(func(ctx context.Context, _ string) ([]byte, error) {
		close(started)
		<-ctx.Done()
		fetchErr <- ctx.Err()
		return nil, ctx.Err()
	})
	s := New(f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Ingest(ctx, "a", "a", 1, 1)
	}()
	<-started
	cancel()

	var te *core.TransportError
	require.ErrorAs(t, <-done, &te)
	assert.ErrorIs(t, <-fetchErr, context.Canceled)
	assert.False(t, s.Has("a"))
}

func TestIngest_CachedKeySkipsDimensionCheck(t *testing.T) {
	f := newMemFetcher(map[string][]float32{"a": {1}})
	s := New(f)
	require.NoError(t, s.Ingest(context.Background(), "a", "a", 1, 1))

	assert.NoError(t, s.Ingest(context.Background(), "a", "a", 0, 0))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestIngest_ConcurrentDistinctKeys(t *testing.T) {
	entries := make(map[string][]float32)
	for i := 0; i < 8; i++ {
		entries[fmt.Sprintf("k%d", i)] = []float32{float32(i), 1}
	}
	s := New(newMemFetcher(entries))

	var wg sync.WaitGroup
	for k := range entries {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			assert.NoError(t, s.Ingest(context.Background(), k, k, 1, 2))
		}(k)
	}
	wg.Wait()

	keys := s.Keys()
	assert.Len(t, keys, 8)
	assert.IsIncreasing(t, keys)
}

func TestGet_Missing(t *testing.T) {
	s := New(newMemFetcher(nil))
	b, ok := s.Get("nope")
	assert.False(t, ok)
	assert.Nil(t, b)
	assert.False(t, s.Has("nope"))
}
