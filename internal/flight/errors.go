package flight

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/reprsim/internal/core"
)

// ToGRPCStatus converts domain errors to gRPC status errors.
// Errors that already carry a status are returned unchanged.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		notReady  *core.NotReadyError
		unknown   *core.UnknownMetricError
		malformed *core.MalformedError
		shape     *core.ShapeMismatchError
		width     *core.WidthMismatchError
		position  *core.PositionError
		transport *core.TransportError
	)

	switch {
	case errors.As(err, &notReady):
		return status.Error(codes.Unavailable, err.Error())

	case errors.As(err, &unknown),
		errors.As(err, &malformed),
		errors.As(err, &shape),
		errors.As(err, &width),
		errors.As(err, &position):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.As(err, &transport):
		return status.Error(codes.FailedPrecondition, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
