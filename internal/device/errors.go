package device

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every error surfaced by the central.
type Kind string

const (
	KindInvalidArgument        Kind = "invalid argument"
	KindAlreadyInProgress      Kind = "already in progress"
	KindAlreadyConnected       Kind = "already connected"
	KindDuplicateOperation     Kind = "duplicate operation"
	KindCapabilityNotSupported Kind = "capability not supported"
	KindTimedOut               Kind = "operation timed out"
	KindCancelled              Kind = "operation cancelled"
	KindNativeFailed           Kind = "native operation failed"
	KindMalformedCallback      Kind = "malformed callback"
	KindDisconnected           Kind = "disconnected"
)

// Error is the structured error returned by scan, connection and correlation operations.
//
// Two errors match under errors.Is when their kinds are equal, so callers compare
// against the Err* sentinels below. The wrapped cause stays reachable through Unwrap.
type Error struct {
	Kind Kind
	Op   string // operation name, e.g. "connect", "read"
	ID   string // peripheral identity, when known
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.ID != "" {
			fmt.Fprintf(&b, " %s", e.ID)
		}
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))

	switch {
	case e.Msg != "":
		b.WriteString(": ")
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors, one per kind
var (
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument}
	ErrAlreadyInProgress      = &Error{Kind: KindAlreadyInProgress}
	ErrAlreadyConnected       = &Error{Kind: KindAlreadyConnected}
	ErrDuplicateOperation     = &Error{Kind: KindDuplicateOperation}
	ErrCapabilityNotSupported = &Error{Kind: KindCapabilityNotSupported}
	ErrTimeout                = &Error{Kind: KindTimedOut}
	ErrCancelled              = &Error{Kind: KindCancelled}
	ErrNativeFailed           = &Error{Kind: KindNativeFailed}
	ErrMalformedCallback      = &Error{Kind: KindMalformedCallback}
	ErrDisconnected           = &Error{Kind: KindDisconnected}
)

// Errorf builds an Error of the given kind. A %w verb in format becomes the wrapped cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	formatted := fmt.Errorf(format, args...)
	return &Error{
		Kind: kind,
		Msg:  formatted.Error(),
		Err:  errors.Unwrap(formatted),
	}
}

// WithOp returns a copy of e annotated with the operation name and peripheral identity.
func (e *Error) WithOp(op, id string) *Error {
	if e == nil {
		return nil
	}
	c := *e
	c.Op = op
	c.ID = id
	return &c
}

// KindOf extracts the kind of err, or "" when err carries no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return KindInvalidArgument
	}
	return ""
}

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "peripheral", "service", "characteristic"
	UUIDs    []string // One or more identifiers (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// Is reports a missing resource as a caller input problem.
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindInvalidArgument
}
