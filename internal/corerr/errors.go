// Package corerr implements the error taxonomy of spec.md §7: a small
// closed set of error kinds the core surfaces to its callers, each
// wrapping the underlying cause via github.com/pkg/errors so that both
// programmatic dispatch (Kind) and human-readable cause chains (%+v)
// are available to the RPC layer.
package corerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error kinds from spec.md §7's taxonomy table.
type Kind uint8

const (
	kindNone Kind = iota
	kindNotFound
	kindCorrupt
	kindNotOpen
	kindOutOfRange
	kindInvalidChannel
	kindInvalidArgument
	kindIO
	kindInvalidated
	kindUnsupported
)

var EKind = Kind(kindNone)

func (Kind) None() Kind            { return kindNone }
func (Kind) NotFound() Kind        { return kindNotFound }
func (Kind) Corrupt() Kind         { return kindCorrupt }
func (Kind) NotOpen() Kind         { return kindNotOpen }
func (Kind) OutOfRange() Kind      { return kindOutOfRange }
func (Kind) InvalidChannel() Kind  { return kindInvalidChannel }
func (Kind) InvalidArgument() Kind { return kindInvalidArgument }
func (Kind) IO() Kind              { return kindIO }
func (Kind) Invalidated() Kind     { return kindInvalidated }
func (Kind) Unsupported() Kind     { return kindUnsupported }

func (k Kind) String() string {
	switch k {
	case EKind.None():
		return "none"
	case EKind.NotFound():
		return "not_found"
	case EKind.Corrupt():
		return "corrupt"
	case EKind.NotOpen():
		return "not_open"
	case EKind.OutOfRange():
		return "out_of_range"
	case EKind.InvalidChannel():
		return "invalid_channel"
	case EKind.InvalidArgument():
		return "invalid_argument"
	case EKind.IO():
		return "io"
	case EKind.Invalidated():
		return "invalidated"
	case EKind.Unsupported():
		return "unsupported"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is the concrete error type returned by the core. It carries a
// Kind so the RPC layer can map it to a protocol-level status without
// string-matching, and it wraps an underlying cause (possibly nil) so
// the cause chain survives for logging.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Cause unwraps to the underlying error, so errors.Cause(e) from
// github.com/pkg/errors walks through this type too.
func (e *Error) Cause() error { return e.err }

// Unwrap supports errors.Is/errors.As from the standard library as well.
func (e *Error) Unwrap() error { return e.err }

// New builds a new Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error, preserving it
// as the cause. If err is nil, Wrap returns nil (mirrors errors.Wrap).
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: msg, err: errors.WithStack(err)}
}

// KindOf extracts the Kind of err, returning EKind.None() if err is nil
// or not one of ours.
func KindOf(err error) Kind {
	if err == nil {
		return EKind.None()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return EKind.None()
}

// Is reports whether the first *Error found in err's chain has kind k.
// Kinds of *Error values wrapped deeper inside that one are not checked.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// Cause walks the causer chain to the originating error, matching
// common.Cause's behavior in the teacher codebase.
func Cause(err error) error {
	return errors.Cause(err)
}
