package drowsynet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrFrameTooLarge is reported when a received length header exceeds the
	// configured maximum frame size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrEmptyFrame is reported when a received length header is zero or negative.
	ErrEmptyFrame = errors.New("empty or negative frame length")

	// ErrHandlerPanic is recorded as the disconnect cause when OnRead panics.
	ErrHandlerPanic = errors.New("read handler panicked")

	// ErrListenerClosed is reported when binding or listening on a closed listener.
	ErrListenerClosed = errors.New("listener closed")

	// ErrExecutorClosed is returned when submitting to a closed executor.
	ErrExecutorClosed = errors.New("executor closed")

	// ErrNoAddresses is returned when a host resolves to no usable address.
	ErrNoAddresses = errors.New("no addresses resolved")
)

// OpError wraps a transport failure with the connection it happened on.
type OpError struct {
	Op     string // "read", "read header", "read body", "write", "shutdown", "close"
	ConnID uint64
	Remote string
	Err    error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	return fmt.Sprintf("conn %d %s %s: %v", e.ConnID, e.Remote, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

// IsFatalError reports whether err leaves the connection unusable.
//
// The fatal set is end-of-stream, connection reset, connection aborted,
// network down or unreachable, timeout, broken pipe and operation aborted
// (the transport was closed or the operation canceled). Every other error is
// transient and the failed read is re-armed.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return isFatalErrno(errno)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// isBenignShutdownError reports whether a shutdown or close error only means
// the peer or a previous call already tore the stream down.
func isBenignShutdownError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == errENOTCONN
	}
	return false
}

// isResourceExhausted reports whether an accept error is caused by running
// out of descriptors or buffers.
func isResourceExhausted(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == errEMFILE || errno == errENFILE || errno == errENOBUFS
}

func isFatalErrno(errno syscall.Errno) bool {
	switch errno {
	case errECONNRESET,
		errECONNABORTED,
		errENETDOWN,
		errENETUNREACH,
		errEHOSTUNREACH,
		errETIMEDOUT,
		errEPIPE,
		errECANCELED:
		return true
	default:
		return false
	}
}

// disconnectReason maps a disconnect cause to a short metrics label.
func disconnectReason(err error) string {
	switch {
	case err == nil:
		return "local"
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrEmptyFrame):
		return "framing"
	case errors.Is(err, ErrHandlerPanic):
		return "handler_panic"
	case errors.Is(err, io.EOF):
		return "eof"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	}
	var opErr *OpError
	if errors.As(err, &opErr) && opErr.Op == "write" {
		return "write_error"
	}
	return "read_error"
}
