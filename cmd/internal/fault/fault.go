// Package fault is the error taxonomy shared by the battle core and its transports.
//
// Every failure a caller can recover from carries a Kind. Transports map the Kind to a
// stable HTTP status or push-channel error code; anything without a Kind is Internal.
package fault

import (
	"context"
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	InvalidArgument   Kind = "invalid_argument"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	Forbidden         Kind = "forbidden"
	IllegalState      Kind = "illegal_state"
	TurnViolation     Kind = "turn_violation"
	ResourceExhausted Kind = "resource_exhausted"
	Expired           Kind = "expired"
	Cancelled         Kind = "cancelled"
	// Unavailable is a request abandoned before it completed: the caller went away or its
	// deadline passed.
	Unavailable Kind = "unavailable"
	Internal    Kind = "internal"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Code is the wire code for the kind.
func (k Kind) Code() string {
	if k == "" {
		return string(Internal)
	}
	return string(k)
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, fault.NotFound) match on kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain. Context
// cancellation and deadlines are Unavailable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Unavailable
	}
	return Internal
}

// Message returns the caller-safe text for err. Internal faults never leak detail.
func Message(err error) string {
	if err == nil {
		return ""
	}
	kind := KindOf(err)
	if kind == Internal {
		return "internal error"
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Msg != "" {
		return fe.Msg
	}
	if kind == Unavailable {
		return "request cancelled before it completed"
	}
	return err.Error()
}

// HTTPStatus maps a kind to the status code used by the request/response surface.
func HTTPStatus(k Kind) int {
	switch k {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict, IllegalState, TurnViolation:
		return http.StatusConflict
	case Forbidden:
		return http.StatusForbidden
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case Expired, Cancelled:
		return http.StatusGone
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
