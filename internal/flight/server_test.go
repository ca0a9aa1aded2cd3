package flight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/23skdu/reprsim/internal/core"
	"github.com/23skdu/reprsim/internal/similarity"
	"github.com/23skdu/reprsim/internal/store"
	"github.com/23skdu/reprsim/internal/tensor"
	"github.com/23skdu/reprsim/internal/transport"
)

const testBufSize = 1024 * 1024

func setupFlight(t *testing.T, payloads map[string][]float32, opts ...Option) flight.Client {
	t.Helper()
	encoded := make(map[string][]byte, len(payloads))
	for k, v := range payloads {
		encoded[k] = tensor.EncodeFloat16LE(v)
	}
	st := store.New(transport.FetcherFunc(func(_ context.Context, source string) ([]byte, error) {
		b, ok := encoded[source]
		if !ok {
			return nil, &transport.StatusError{Source: source, Code: 404}
		}
		return b, nil
	}))
	srv := NewServer(st, similarity.NewEngine(st), opts...)

	lis := bufconn.Listen(testBufSize)
	s := grpc.NewServer()
	flight.RegisterFlightServiceServer(s, srv)
	go func() {
		_ = s.Serve(lis)
	}()

	client, err := flight.NewClientWithMiddleware(
		"passthrough:///bufnet",
		nil,
		nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		s.Stop()
		_ = lis.Close()
	})
	return client
}

func doAction(t *testing.T, c flight.Client, typ string, body interface{}) ([]byte, error) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	stream, err := c.DoAction(context.Background(), &flight.Action{Type: typ, Body: raw})
	if err != nil {
		return nil, err
	}
	res, err := stream.Recv()
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

func doGet(t *testing.T, c flight.Client, tkt Ticket) ([]int32, []float32, map[string]string, error) {
	t.Helper()
	raw, err := json.Marshal(tkt)
	require.NoError(t, err)

	stream, err := c.DoGet(context.Background(), &flight.Ticket{Ticket: raw})
	if err != nil {
		return nil, nil, nil, err
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rdr.Release()

	md := make(map[string]string)
	schemaMD := rdr.Schema().Metadata()
	for i, k := range schemaMD.Keys() {
		md[k] = schemaMD.Values()[i]
	}

	var positions []int32
	var scores []float32
	for rdr.Next() {
		rec := rdr.Record()
		positions = append(positions, rec.Column(0).(*array.Int32).Int32Values()...)
		scores = append(scores, rec.Column(1).(*array.Float32).Float32Values()...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, nil, err
	}
	return positions, scores, md, nil
}

func TestDoAction_IngestHasList(t *testing.T) {
	c := setupFlight(t, map[string][]float32{"a": {1, 2, 3, 4}})

	body, err := doAction(t, c, ActionHas, HasRequest{Key: "a"})
	require.NoError(t, err)
	var has HasResponse
	require.NoError(t, json.Unmarshal(body, &has))
	assert.False(t, has.Ready)

	body, err = doAction(t, c, ActionIngest, IngestRequest{Key: "a", GridSide: 2, EmbeddingWidth: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success"}`, string(body))

	body, err = doAction(t, c, ActionHas, HasRequest{Key: "a"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &has))
	assert.True(t, has.Ready)

	body, err = doAction(t, c, ActionList, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"keys":["a"]}`, string(body))
}

func TestDoAction_IngestWithSource(t *testing.T) {
	c := setupFlight(t, map[string][]float32{"http://host/a.bin": {1}})

	_, err := doAction(t, c, ActionIngest, IngestRequest{Key: "alias", Source: "http://host/a.bin", GridSide: 1, EmbeddingWidth: 1})
	require.NoError(t, err)

	body, err := doAction(t, c, ActionList, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"keys":["alias"]}`, string(body))
}

func TestDoAction_Errors(t *testing.T) {
	c := setupFlight(t, map[string][]float32{"three": {1, 2, 3}})

	tests := []struct {
		name string
		typ  string
		body interface{}
		code codes.Code
	}{
		{"transport", ActionIngest, IngestRequest{Key: "missing", GridSide: 1, EmbeddingWidth: 1}, codes.FailedPrecondition},
		{"shape mismatch", ActionIngest, IngestRequest{Key: "three", GridSide: 2, EmbeddingWidth: 1}, codes.InvalidArgument},
		{"invalid dimensions", ActionIngest, IngestRequest{Key: "three", GridSide: 0, EmbeddingWidth: 1}, codes.InvalidArgument},
		{"missing key", ActionIngest, IngestRequest{GridSide: 1, EmbeddingWidth: 1}, codes.InvalidArgument},
		{"bad json", ActionIngest, "not an object", codes.InvalidArgument},
		{"unknown action", "drop", nil, codes.Unimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := doAction(t, c, tt.typ, tt.body)
			assert.Equal(t, tt.code, status.Code(err), "%v", err)
		})
	}
}

func TestDoAction_Metrics(t *testing.T) {
	c := setupFlight(t, nil)

	body, err := doAction(t, c, ActionMetrics, nil)
	require.NoError(t, err)
	var resp MetricsResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, []string{"cosine", "cosine_centered", "dot-product", "manhattan", "euclidean", "chebyshev", "rel-l2-norm"}, resp.Metrics)
}

func TestListActions(t *testing.T) {
	c := setupFlight(t, nil)

	stream, err := c.ListActions(context.Background(), &flight.Empty{})
	require.NoError(t, err)

	var types []string
	for {
		at, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		types = append(types, at.Type)
	}
	assert.Equal(t, []string{ActionIngest, ActionHas, ActionList, ActionMetrics}, types)
}

func TestDoGet_Similarity(t *testing.T) {
	c := setupFlight(t, map[string][]float32{"a": {1, 2, 3, 4}}, WithChunkRows(1, 2))

	_, err := doAction(t, c, ActionIngest, IngestRequest{Key: "a", GridSide: 2, EmbeddingWidth: 1})
	require.NoError(t, err)

	positions, scores, md, err := doGet(t, c, Ticket{Metric: "manhattan", Key1: "a", Key2: "a"})
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3}, positions)
	assert.InDeltaSlice(t, []float32{1, 0.6666667, 0.33333334, 0}, scores, 1e-6)
	assert.Equal(t, "manhattan", md[MetadataMetric])
	assert.Equal(t, "a", md[MetadataKey1])
	assert.Equal(t, "a", md[MetadataKey2])
	assert.Equal(t, "2", md[MetadataSide])
}

func TestDoGet_Errors(t *testing.T) {
	c := setupFlight(t, map[string][]float32{"a": {1, 2, 3, 4}})
	_, err := doAction(t, c, ActionIngest, IngestRequest{Key: "a", GridSide: 2, EmbeddingWidth: 1})
	require.NoError(t, err)

	tests := []struct {
		name string
		tkt  Ticket
		code codes.Code
	}{
		{"not ready", Ticket{Metric: "cosine", Key1: "a", Key2: "b"}, codes.Unavailable},
		{"unknown metric", Ticket{Metric: "hamming", Key1: "a", Key2: "a"}, codes.InvalidArgument},
		{"position", Ticket{Metric: "cosine", Key1: "a", Key2: "a", Row: 5}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := doGet(t, c, tt.tkt)
			assert.Equal(t, tt.code, status.Code(err), "%v", err)
		})
	}

	stream, err := c.DoGet(context.Background(), &flight.Ticket{Ticket: []byte("{not json")})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestToGRPCStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{core.NewNotReadyError("k"), codes.Unavailable},
		{core.NewUnknownMetricError("x"), codes.InvalidArgument},
		{core.NewMalformedError("s", "odd byte length"), codes.InvalidArgument},
		{core.NewShapeMismatchError("s", 4, 3), codes.InvalidArgument},
		{core.NewWidthMismatchError("a", 1, "b", 2), codes.InvalidArgument},
		{core.NewPositionError(9, 0, 2), codes.InvalidArgument},
		{core.NewTransportError("s", errors.New("refused")), codes.FailedPrecondition},
		{core.NewTransportError("s", context.Canceled), codes.Canceled},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{status.Error(codes.ResourceExhausted, "slow down"), codes.ResourceExhausted},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, status.Code(ToGRPCStatus(tt.err)), "%v", tt.err)
	}
	assert.NoError(t, ToGRPCStatus(nil))
}

func TestToGRPCStatus_TransportMessageCarriesSource(t *testing.T) {
	err := ToGRPCStatus(core.NewTransportError("http://host/x.bin", errors.New("connection refused")))
	st, _ := status.FromError(err)
	assert.Contains(t, st.Message(), "http://host/x.bin")
	assert.Contains(t, st.Message(), "connection refused")
}

func TestChunkSizer(t *testing.T) {
	c := newChunkSizer(512, 8192)
	assert.Equal(t, [][2]int{{0, 512}, {512, 1536}, {1536, 3584}, {3584, 4096}}, c.split(4096))

	c = newChunkSizer(4, 8)
	assert.Equal(t, []int{4, 8, 8}, []int{c.Next(), c.Next(), c.Next()})

	c = newChunkSizer(0, 0)
	assert.Equal(t, [][2]int{{0, 3}}, c.split(3))
}
