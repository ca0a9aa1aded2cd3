// Package flight exposes ingestion and similarity queries over Arrow Flight.
package flight

import (
	"encoding/json"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/reprsim/internal/core"
	"github.com/23skdu/reprsim/internal/metrics"
	"github.com/23skdu/reprsim/internal/similarity"
	"github.com/23skdu/reprsim/internal/store"
)

// Action types understood by DoAction.
const (
	ActionIngest  = "ingest"
	ActionHas     = "has"
	ActionList    = "list"
	ActionMetrics = "metrics"
)

// Schema metadata keys attached to DoGet results.
const (
	MetadataMetric = "reprsim.metric"
	MetadataKey1   = "reprsim.key1"
	MetadataKey2   = "reprsim.key2"
	MetadataSide   = "reprsim.side"
)

var actionTypes = []*flight.ActionType{
	{Type: ActionIngest, Description: "fetch and decode a representation; body {key, source, grid_side, embedding_width}"},
	{Type: ActionHas, Description: "report whether a representation is loaded; body {key}"},
	{Type: ActionList, Description: "list loaded representation keys"},
	{Type: ActionMetrics, Description: "list supported similarity metrics"},
}

// IngestRequest is the body of an ingest action. Source defaults to Key.
type IngestRequest struct {
	Key            string `json:"key"`
	Source         string `json:"source,omitempty"`
	GridSide       int    `json:"grid_side"`
	EmbeddingWidth int    `json:"embedding_width"`
}

// HasRequest is the body of a has action.
type HasRequest struct {
	Key string `json:"key"`
}

// HasResponse answers a has action.
type HasResponse struct {
	Key   string `json:"key"`
	Ready bool   `json:"ready"`
}

// ListResponse answers a list action.
type ListResponse struct {
	Keys []string `json:"keys"`
}

// MetricsResponse answers a metrics action.
type MetricsResponse struct {
	Metrics []string `json:"metrics"`
}

// StatusResponse acknowledges a completed ingest.
type StatusResponse struct {
	Status string `json:"status"`
}

// Ticket selects one similarity computation in DoGet.
type Ticket struct {
	Metric string `json:"metric"`
	Key1   string `json:"key1"`
	Key2   string `json:"key2"`
	Row    int    `json:"row"`
	Col    int    `json:"col"`
}

// Server implements the Flight service. DoGet streams one record batch of
// (position, score) rows; DoAction handles ingestion and catalogue queries.
type Server struct {
	flight.BaseFlightServer

	store  *store.Store
	engine *similarity.Engine
	mem    memory.Allocator
	logger zerolog.Logger

	minChunkRows int
	maxChunkRows int
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithAllocator(mem memory.Allocator) Option {
	return func(s *Server) { s.mem = mem }
}

// WithChunkRows bounds the row count of each DoGet record batch.
func WithChunkRows(minRows, maxRows int) Option {
	return func(s *Server) {
		s.minChunkRows = minRows
		s.maxChunkRows = maxRows
	}
}

func NewServer(st *store.Store, engine *similarity.Engine, opts ...Option) *Server {
	s := &Server{
		store:  st,
		engine: engine,
		mem:    memory.NewGoAllocator(),
		logger: zerolog.Nop(),

		minChunkRows: DefaultMinChunkRows,
		maxChunkRows: DefaultMaxChunkRows,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResultSchema is the schema of DoGet results, without metadata.
func ResultSchema(md *arrow.Metadata) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "position", Type: arrow.PrimitiveTypes.Int32},
		{Name: "score", Type: arrow.PrimitiveTypes.Float32},
	}, md)
}

func (s *Server) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	for _, at := range actionTypes {
		if err := stream.Send(at); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) (err error) {
	defer func() {
		metrics.FlightOperationsTotal.WithLabelValues("DoAction", statusLabel(err)).Inc()
	}()

	var resp interface{}
	switch action.Type {
	case ActionIngest:
		var req IngestRequest
		if err := json.Unmarshal(action.Body, &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid json body: %v", err)
		}
		if req.Key == "" {
			return status.Error(codes.InvalidArgument, "key is required")
		}
		if req.Source == "" {
			req.Source = req.Key
		}
		if err := s.store.Ingest(stream.Context(), req.Key, req.Source, req.GridSide, req.EmbeddingWidth); err != nil {
			return ToGRPCStatus(err)
		}
		resp = StatusResponse{Status: "success"}

	case ActionHas:
		var req HasRequest
		if err := json.Unmarshal(action.Body, &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid json body: %v", err)
		}
		resp = HasResponse{Key: req.Key, Ready: s.store.Has(req.Key)}

	case ActionList:
		resp = ListResponse{Keys: s.store.Keys()}

	case ActionMetrics:
		names := make([]string, 0, len(core.Metrics()))
		for _, m := range core.Metrics() {
			names = append(names, m.String())
		}
		resp = MetricsResponse{Metrics: names}

	default:
		return status.Errorf(codes.Unimplemented, "unknown action type: %s", action.Type)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to serialize response: %v", err)
	}
	return stream.Send(&flight.Result{Body: body})
}

func (s *Server) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) (err error) {
	defer func() {
		metrics.FlightOperationsTotal.WithLabelValues("DoGet", statusLabel(err)).Inc()
	}()

	var t Ticket
	if err := json.Unmarshal(tkt.Ticket, &t); err != nil {
		s.logger.Error().Err(err).Str("ticket_preview", preview(tkt.Ticket)).Msg("Failed to parse ticket")
		return status.Error(codes.InvalidArgument, "invalid ticket format")
	}

	scores, err := s.engine.SimilarityByName(stream.Context(), t.Metric, t.Key1, t.Key2, t.Row, t.Col)
	if err != nil {
		return ToGRPCStatus(err)
	}

	side, _ := core.GridSide(len(scores))
	md := arrow.NewMetadata(
		[]string{MetadataMetric, MetadataKey1, MetadataKey2, MetadataSide},
		[]string{t.Metric, t.Key1, t.Key2, strconv.Itoa(side)},
	)
	schema := ResultSchema(&md)

	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	defer w.Close()

	b := array.NewRecordBuilder(s.mem, schema)
	defer b.Release()

	for _, span := range newChunkSizer(s.minChunkRows, s.maxChunkRows).split(len(scores)) {
		rec := buildRecord(b, scores, span[0], span[1])
		err := w.Write(rec)
		rec.Release()
		if err != nil {
			return status.Errorf(codes.Internal, "failed to write record: %v", err)
		}
	}

	s.logger.Debug().
		Str("metric", t.Metric).
		Str("key1", t.Key1).
		Str("key2", t.Key2).
		Int("positions", len(scores)).
		Msg("DoGet served")
	return nil
}

// buildRecord emits rows [start, end) of scores. The builder is reset by
// NewRecord and can be reused.
func buildRecord(b *array.RecordBuilder, scores []float32, start, end int) arrow.Record {
	pos := b.Field(0).(*array.Int32Builder)
	pos.Reserve(end - start)
	for i := start; i < end; i++ {
		pos.UnsafeAppend(int32(i))
	}
	b.Field(1).(*array.Float32Builder).AppendValues(scores[start:end], nil)
	return b.NewRecord()
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return status.Code(err).String()
}

func preview(b []byte) string {
	const limit = 128
	if len(b) > limit {
		return string(b[:limit])
	}
	return string(b)
}

// Verify interface compliance.
var _ flight.FlightServer = (*Server)(nil)
