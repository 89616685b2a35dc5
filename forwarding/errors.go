package forwarding

import "github.com/pkg/errors"

// Code is the boundary error code exposed to callers of AddEntry. Internal
// failure kinds that do not have a dedicated boundary code collapse to
// Unknown, per the control-plane propagation policy: only a resolution
// failure or a bind failure are distinguishable to the caller.
type Code int

const (
	OK Code = iota
	Unknown
	NameResolutionFailed
	BindFailed
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case NameResolutionFailed:
		return "name resolution failed"
	case BindFailed:
		return "bind failed"
	default:
		return "unknown"
	}
}

// errListenFailed marks a listenTCP failure at the listen() syscall stage,
// after socket/setsockopt/bind already succeeded, so callers can attribute
// it to a distinct kind than a bind-stage failure.
type errListenFailed struct{ error }

// kind is the internal failure taxonomy. Only NameResolutionFailed and
// BindFailed are promoted to a distinguishable Code at the boundary;
// everything else collapses to Unknown.
type kind int

const (
	kindInvalidSocket kind = iota
	kindBindFailed
	kindListenFailed
	kindConnectFailed
	kindSendReceiveFailed
	kindNameResolutionFailed
)

// Error is returned by AddEntry. It carries a boundary Code plus the
// underlying cause for callers that want more than the coarse taxonomy.
type Error struct {
	Code  Code
	kind  kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

func newError(k kind, cause error) *Error {
	e := &Error{kind: k, cause: cause}
	switch k {
	case kindNameResolutionFailed:
		e.Code = NameResolutionFailed
	case kindBindFailed:
		e.Code = BindFailed
	default:
		e.Code = Unknown
	}
	return e
}

func wrapf(k kind, cause error, format string, args ...interface{}) *Error {
	return newError(k, errors.Wrapf(cause, format, args...))
}
