package client

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsNotReady reports whether err means a representation is still loading.
// The server maps that condition to codes.Unavailable.
func IsNotReady(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// IsInvalidArgument reports whether err was caused by the request itself:
// an unknown metric, a position outside the grid, or a bad payload.
func IsInvalidArgument(err error) bool {
	return status.Code(err) == codes.InvalidArgument
}

// IsSourceUnavailable reports whether the server could not fetch a
// representation source.
func IsSourceUnavailable(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}
