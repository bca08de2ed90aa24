package readahead

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a read-ahead error.
type Kind int

const (
	KindUnexpected Kind = iota
	KindAlreadyTruncated
	KindInconsistentMetadata
	KindLogNotFound
	KindEndOfLogSegment
	KindInterrupted
	KindIO
)

// Error is the sticky, typed error the core sets on lastError and the
// consumer re-raises on every subsequent call. It also exposes a gRPC
// status via GRPCStatus, so an operational surface (internal/adminserver)
// can report it without re-encoding.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) code() codes.Code {
	switch e.Kind {
	case KindAlreadyTruncated:
		return codes.FailedPrecondition
	case KindInconsistentMetadata:
		return codes.Internal
	case KindLogNotFound:
		return codes.NotFound
	case KindInterrupted:
		return codes.Canceled
	case KindIO:
		return codes.Unavailable
	case KindEndOfLogSegment:
		// Never surfaced to a consumer; included for completeness.
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// GRPCStatus implements the interface google.golang.org/grpc/status.FromError
// looks for, letting internal/adminserver report reader faults as standard
// gRPC errors.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.code(), e.Error())
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// ErrAlreadyTruncated is returned when positioning at a DLSN that has
// already been truncated away.
func ErrAlreadyTruncated(msg string) *Error {
	return newError(KindAlreadyTruncated, msg, nil)
}

// ErrInconsistentMetadata is returned on segment-sequence mismatches or a
// Closed -> InProgress status regression.
func ErrInconsistentMetadata(msg string) *Error {
	return newError(KindInconsistentMetadata, msg, nil)
}

// ErrLogNotFound is returned once the underlying stream has been deleted.
func ErrLogNotFound(msg string) *Error {
	return newError(KindLogNotFound, msg, nil)
}

// ErrUnexpected wraps a non-I/O failure from the store.
func ErrUnexpected(cause error) *Error {
	return newError(KindUnexpected, "unexpected read-ahead failure", cause)
}

// ErrInterrupted is surfaced when a consumer wait is interrupted.
func ErrInterrupted(cause error) *Error {
	return newError(KindInterrupted, "interrupted while waiting for an entry", cause)
}

// ErrIO passes an I/O failure from the store through unchanged in kind.
func ErrIO(cause error) *Error {
	return newError(KindIO, "i/o error reading segment", cause)
}

// errEndOfLogSegment is the internal-only signal converted into segment
// advancement; it must never escape to the consumer.
var errEndOfLogSegment = newError(KindEndOfLogSegment, "end of log segment", nil)

// ErrEndOfLogSegment is the sentinel an EntryStore's InnerReader returns
// from ReadNext once a segment has nothing left to offer at the reader's
// current position. The core consumes it internally to advance to the
// next segment; it is never returned from a public reader method.
func ErrEndOfLogSegment() *Error { return errEndOfLogSegment }

// IsEndOfLogSegment reports whether err is the internal end-of-segment signal.
func IsEndOfLogSegment(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindEndOfLogSegment
}
