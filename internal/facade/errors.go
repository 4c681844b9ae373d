package facade

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by bridged operations.
type ErrorKind string

const (
	KindTransport       ErrorKind = "transport"
	KindNotConnected    ErrorKind = "not_connected"
	KindInvalidArgument ErrorKind = "invalid_argument"
	KindNotFound        ErrorKind = "not_found"
)

// Error is the typed error returned by the bridge and the public API.
// Op names the failed operation, Err keeps the backend cause.
type Error struct {
	Kind ErrorKind
	Op   string
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
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
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

// Sentinels for errors.Is checks.
var (
	ErrTransport       = &Error{Kind: KindTransport}
	ErrNotConnected    = &Error{Kind: KindNotConnected}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrNotFound        = &Error{Kind: KindNotFound}
)

// ErrUnsupported is returned by backends for capabilities the radio library lacks.
// It is classified as a transport failure when it crosses the bridge.
var ErrUnsupported = errors.New("unsupported")

// TransportError wraps a failed native call.
func TransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// NotConnectedError reports a GATT operation on a disconnected peripheral.
func NotConnectedError(op, address string) error {
	return &Error{Kind: KindNotConnected, Op: op, Msg: fmt.Sprintf("peripheral %s is not connected", address)}
}

// InvalidArgumentError reports a malformed UUID or payload.
func InvalidArgumentError(op, format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidArgument, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an adapter, peripheral or subscription unknown to the registry.
func NotFoundError(op, format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Normalize maps a backend failure onto an error kind. Errors that already
// carry a kind keep it; known backend messages are classified by substring;
// everything else becomes a TransportError.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" && op != "" {
			return &Error{Kind: e.Kind, Op: op, Msg: e.Msg, Err: e.Err}
		}
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return &Error{Kind: KindNotConnected, Op: op, Err: err}
	case containsIgnoreCase(msg, "not found"):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	default:
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
