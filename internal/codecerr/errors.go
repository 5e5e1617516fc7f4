// Package codecerr defines the error taxonomy shared by the codec session
// managers, the NAL reframer, and the buffer-exchange slot. Callers use
// errors.Is against the Err* kinds to decide how a failure propagates.
package codecerr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every error produced by the pipeline wraps exactly
// one of these.
var (
	// ErrConfiguration reports invalid or premature parameters, such as a
	// decode session requested before SPS/PPS are cached.
	ErrConfiguration = errors.New("configuration error")
	// ErrResourceExhaustion reports that no codec matches the requested
	// format and manufacturer.
	ErrResourceExhaustion = errors.New("resource exhaustion")
	// ErrProtocolViolation reports a malformed NAL stream or a misuse of the
	// pending-input slot.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrFrameDropped reports a single frame rejected by the codec. The
	// session keeps running.
	ErrFrameDropped = errors.New("frame dropped")
	// ErrFatalHardware reports that the codec session itself failed. The
	// session is closed and rejects further input.
	ErrFatalHardware = errors.New("fatal hardware error")
	// ErrClosed is returned by Ingest after Teardown.
	ErrClosed = errors.New("session closed")
)

// Error carries the kind of failure, the operation that produced it, and
// the underlying cause if any.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an Error of the given kind for op with an optional cause.
func New(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Newf builds an Error of the given kind whose cause is a formatted message.
func Newf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the sentinel kind wrapped by err, or nil if err does not
// belong to the taxonomy.
func KindOf(err error) error {
	for _, k := range []error{
		ErrConfiguration,
		ErrResourceExhaustion,
		ErrProtocolViolation,
		ErrFrameDropped,
		ErrFatalHardware,
		ErrClosed,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
