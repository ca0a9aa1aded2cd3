package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/reprsim/internal/limiter"
	"github.com/23skdu/reprsim/internal/similarity"
	"github.com/23skdu/reprsim/internal/store"
	"github.com/23skdu/reprsim/internal/tensor"
	"github.com/23skdu/reprsim/internal/transport"
)

func newTestServer(t *testing.T, payloads map[string][]byte, opts ...Option) http.Handler {
	t.Helper()
	st := store.New(transport.FetcherFunc(func(_ context.Context, source string) ([]byte, error) {
		b, ok := payloads[source]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return b, nil
	}))
	return NewServer(st, similarity.NewEngine(st), opts...).Handler()
}

func post(t *testing.T, h http.Handler, path string, body interface{}) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestFetchThenCalc(t *testing.T) {
	const url = "http://repr.example/representations/cat/sd15/0/mid.bin"
	h := newTestServer(t, map[string][]byte{url: tensor.EncodeFloat16LE([]float32{1, 2, 3, 4})})

	rec, resp := post(t, h, "/api/calc_similarities", CalcSimilaritiesRequest{
		Func: "manhattan", Repr1Str: url, Repr2Str: url,
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, StatusLoading, resp.Status)

	rec, resp = post(t, h, "/api/fetch_repr", FetchReprRequest{ID: json.RawMessage(`7`), URL: url, N: 2, M: 1})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.JSONEq(t, `7`, string(resp.ID))

	rec, resp = post(t, h, "/api/calc_similarities", CalcSimilaritiesRequest{
		Func: "manhattan", Repr1Str: url, Repr2Str: url,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.InDeltaSlice(t, []float32{1, 0.6666667, 0.33333334, 0}, resp.Similarities, 1e-6)

	listRec := httptest.NewRecorder()
	h.ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/api/representations", nil))
	assert.Equal(t, http.StatusOK, listRec.Code)
	assert.JSONEq(t, `{"keys":["`+url+`"],"count":1}`, listRec.Body.String())
}

func TestFetchRepr_Errors(t *testing.T) {
	h := newTestServer(t, map[string][]byte{
		"odd":   {0x00, 0x3C, 0x00},
		"three": tensor.EncodeFloat16LE([]float32{1, 2, 3}),
		// +Inf, 1, 2, 3
		"inf": {0x00, 0x7C, 0x00, 0x3C, 0x00, 0x40, 0x00, 0x42},
	})

	tests := []struct {
		name string
		req  FetchReprRequest
		code int
	}{
		{"transport", FetchReprRequest{URL: "missing", N: 1, M: 1}, http.StatusBadGateway},
		{"odd length", FetchReprRequest{URL: "odd", N: 1, M: 1}, http.StatusBadRequest},
		{"shape mismatch", FetchReprRequest{URL: "three", N: 2, M: 1}, http.StatusBadRequest},
		{"invalid dimensions", FetchReprRequest{URL: "three", N: 0, M: 3}, http.StatusBadRequest},
		{"non-finite value", FetchReprRequest{URL: "inf", N: 2, M: 1}, http.StatusBadRequest},
		{"missing url", FetchReprRequest{N: 1, M: 1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := post(t, h, "/api/fetch_repr", tt.req)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, StatusError, resp.Status)
			assert.NotEmpty(t, resp.Msg)
		})
	}
}

func TestCalcSimilarities_Errors(t *testing.T) {
	h := newTestServer(t, map[string][]byte{"a": tensor.EncodeFloat16LE([]float32{1, 2, 3, 4})})
	_, resp := post(t, h, "/api/fetch_repr", FetchReprRequest{URL: "a", N: 2, M: 1})
	require.Equal(t, StatusSuccess, resp.Status)

	rec, resp := post(t, h, "/api/calc_similarities", CalcSimilaritiesRequest{Func: "jaccard", Repr1Str: "a", Repr2Str: "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Msg, "jaccard")

	rec, _ = post(t, h, "/api/calc_similarities", CalcSimilaritiesRequest{Func: "cosine", Repr1Str: "a", Repr2Str: "a", Row: 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, httptest.NewRequest(http.MethodPost, "/api/calc_similarities", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fetch_repr", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthz(t *testing.T) {
	health := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := newTestServer(t, nil, WithHealth(health))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMetricsList(t *testing.T) {
	h := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))

	var resp MetricsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Metrics, 7)
	assert.Contains(t, resp.Metrics, "rel-l2-norm")
}

func TestRateLimited(t *testing.T) {
	h := newTestServer(t, nil, WithRateLimiter(limiter.NewRateLimiter(limiter.Config{RPS: 1, Burst: 1})))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/representations", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/representations", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestWriteJSON_EncodeFailure(t *testing.T) {
	s := &Server{logger: zerolog.Nop()}
	rec := httptest.NewRecorder()

	code := s.writeJSON(rec, http.StatusOK, Response{
		Status:       StatusSuccess,
		Similarities: []float32{float32(math.NaN())},
	})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusError, resp.Status)
}
