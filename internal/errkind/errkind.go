// Package errkind defines the error taxonomy shared by every layer of the
// controller: command channel, DMA, device object, virtqueue and controller
// all return errors tagged with one of these kinds so callers can switch on
// Kind without parsing strings.
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure the way the control plane reasons about it,
// independent of which layer raised it.
type Kind int

const (
	// BadArgument means the caller's configuration or call was rejected at
	// entry, before any firmware command was issued.
	BadArgument Kind = iota
	// NotSupported means the capability is missing on this silicon.
	NotSupported
	// NoDevice means FLR happened, or the channel is permanently dead.
	NoDevice
	// CommandChannelFailure means a firmware syndrome or transport error.
	CommandChannelFailure
	// OutOfMemory means allocation of a buffer or object failed.
	OutOfMemory
	// Busy is retry-eligible.
	Busy
	// StateMismatch means the operation is invalid in the current state
	// machine position.
	StateMismatch
	// DmaFailure means a DMA completion carried a non-success status.
	DmaFailure
	// Truncated means a migration payload was too small for its header.
	Truncated
	// Fatal means this command cannot recover, but the owning queue
	// remains usable.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case BadArgument:
		return "BadArgument"
	case NotSupported:
		return "NotSupported"
	case NoDevice:
		return "NoDevice"
	case CommandChannelFailure:
		return "CommandChannelFailure"
	case OutOfMemory:
		return "OutOfMemory"
	case Busy:
		return "Busy"
	case StateMismatch:
		return "StateMismatch"
	case DmaFailure:
		return "DmaFailure"
	case Truncated:
		return "Truncated"
	case Fatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a kind-tagged error. The wrapped cause is preserved so
// errors.Cause / errors.Unwrap still reach the original failure.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Cause implements the github.com/pkg/errors causer interface so
// errors.Cause(err) and ErrorReport-style traces keep working.
func (e *Error) Cause() error { return e.cause }

// New creates a kind-tagged error from a message, with a stack trace
// attached by pkg/errors.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap tags an existing error with a kind, adding ctx as a stack frame the
// same way virtcontainers/errors.ErrorContext layers context onto a
// pkg/errors chain. Returns nil if err is nil.
func Wrap(err error, kind Kind, ctx string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, ctx)}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	for err != nil {
		if k, ok := err.(*Error); ok {
			ke = k
			if ke.Kind == kind {
				return true
			}
			err = ke.cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf extracts the Kind tagging err, and false if err was never tagged.
func KindOf(err error) (Kind, bool) {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return 0, false
}

// Retryable reports whether retrying the call that produced err might
// succeed; Busy is the only retry-eligible kind.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k == Busy
}
