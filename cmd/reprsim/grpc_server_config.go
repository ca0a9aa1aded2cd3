package main

import (
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/23skdu/reprsim/internal/limiter"
)

const (
	// resultRowBytes is one DoGet result row: int32 position + float32 score.
	resultRowBytes = 8
	// ipcFramingBytes covers the IPC message header, schema metadata and
	// buffer padding of one record batch.
	ipcFramingBytes = 64 << 10
	// minFlowWindow is the smallest window gRPC honours; smaller values are
	// silently raised.
	minFlowWindow = 64 << 10
)

var (
	ErrInvalidConcurrentStreams = errors.New("grpc_max_concurrent_streams must be > 0")
	ErrInvalidFlowWindow        = errors.New("grpc window sizes must be 0 (default) or >= 64KiB")
	ErrInvalidRecvMsgSize       = errors.New("grpc_max_recv_msg_size must be > 0")
	ErrSendMsgTooSmall          = errors.New("grpc_max_send_msg_size cannot carry a full result batch")
)

// minSendMsgSize is the smallest send limit that fits a record batch of
// maxRows similarity scores.
func minSendMsgSize(maxRows int) int {
	return maxRows*resultRowBytes + ipcFramingBytes
}

// FlightServerOptions returns the options of the Flight gRPC server:
// keepalive, flow control and message limits from c, plus the rate limiter
// on both unary and streaming calls.
func (c *Config) FlightServerOptions(rl *limiter.RateLimiter) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    c.KeepAliveTime,
			Timeout: c.KeepAliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             c.KeepAliveMinTime,
			PermitWithoutStream: c.KeepAlivePermitWithoutStream,
		}),
		grpc.MaxConcurrentStreams(c.GRPCMaxConcurrentStreams),
		grpc.InitialWindowSize(c.GRPCInitialWindowSize),
		grpc.InitialConnWindowSize(c.GRPCInitialConnWindowSize),
		grpc.MaxRecvMsgSize(c.GRPCMaxRecvMsgSize),
		grpc.MaxSendMsgSize(c.GRPCMaxSendMsgSize),
		grpc.ChainUnaryInterceptor(rl.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(rl.StreamInterceptor()),
	}
}

// ValidateGRPCConfig checks the Flight server limits against each other and
// against the DoGet batch size.
func (c *Config) ValidateGRPCConfig() error {
	if c.GRPCMaxConcurrentStreams == 0 {
		return ErrInvalidConcurrentStreams
	}
	for _, w := range []int32{c.GRPCInitialWindowSize, c.GRPCInitialConnWindowSize} {
		if w != 0 && w < minFlowWindow {
			return ErrInvalidFlowWindow
		}
	}
	if c.GRPCMaxRecvMsgSize <= 0 {
		return ErrInvalidRecvMsgSize
	}
	if need := minSendMsgSize(c.ChunkMaxRows); c.GRPCMaxSendMsgSize < need {
		return fmt.Errorf("%w: %d bytes < %d needed for %d rows",
			ErrSendMsgTooSmall, c.GRPCMaxSendMsgSize, need, c.ChunkMaxRows)
	}
	return nil
}
