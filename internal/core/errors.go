package core

import (
	"errors"
	"fmt"
)

// TransportError indicates the raw tensor bytes could not be retrieved.
type TransportError struct {
	Source string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure for %s: %v", e.Source, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a fetch failure for source.
func NewTransportError(source string, err error) error {
	return &TransportError{Source: source, Err: err}
}

// MalformedError indicates a payload that cannot be decoded at all.
type MalformedError struct {
	Source string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("malformed payload %s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("malformed payload: %s", e.Reason)
}

func NewMalformedError(source, reason string) error {
	return &MalformedError{Source: source, Reason: reason}
}

// ShapeMismatchError indicates the decoded element count disagrees with the
// declared dimensions.
type ShapeMismatchError struct {
	Source   string
	Expected int
	Actual   int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch for %s: expected %d elements, got %d", e.Source, e.Expected, e.Actual)
}

func NewShapeMismatchError(source string, expected, actual int) error {
	return &ShapeMismatchError{Source: source, Expected: expected, Actual: actual}
}

// WidthMismatchError indicates two loaded representations have different
// embedding widths and cannot be compared.
type WidthMismatchError struct {
	Key1   string
	Width1 int
	Key2   string
	Width2 int
}

func (e *WidthMismatchError) Error() string {
	return fmt.Sprintf("embedding width mismatch: %s has width %d, %s has width %d",
		e.Key1, e.Width1, e.Key2, e.Width2)
}

func NewWidthMismatchError(key1 string, width1 int, key2 string, width2 int) error {
	return &WidthMismatchError{Key1: key1, Width1: width1, Key2: key2, Width2: width2}
}

// NotReadyError indicates the key has no bundle yet. Callers should retry.
type NotReadyError struct {
	Key string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("representation not ready: %s", e.Key)
}

func NewNotReadyError(key string) error {
	return &NotReadyError{Key: key}
}

// UnknownMetricError indicates a metric name outside the supported set.
type UnknownMetricError struct {
	Name string
}

func (e *UnknownMetricError) Error() string {
	return fmt.Sprintf("unknown similarity metric: %q", e.Name)
}

func NewUnknownMetricError(name string) error {
	return &UnknownMetricError{Name: name}
}

// PositionError indicates a reference position outside the grid.
type PositionError struct {
	Row  int
	Col  int
	Side int
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("position (%d, %d) outside %dx%d grid", e.Row, e.Col, e.Side, e.Side)
}

func NewPositionError(row, col, side int) error {
	return &PositionError{Row: row, Col: col, Side: side}
}

// IsRetryable reports whether err is a transient condition the caller should
// poll on. Only NotReady qualifies.
func IsRetryable(err error) bool {
	var nr *NotReadyError
	return errors.As(err, &nr)
}

// IsInvalidInput reports whether err was caused by the caller or the payload
// and will not succeed on retry.
func IsInvalidInput(err error) bool {
	var (
		malformed *MalformedError
		shape     *ShapeMismatchError
		width     *WidthMismatchError
		metric    *UnknownMetricError
		position  *PositionError
	)
	return errors.As(err, &malformed) ||
		errors.As(err, &shape) ||
		errors.As(err, &width) ||
		errors.As(err, &metric) ||
		errors.As(err, &position)
}
