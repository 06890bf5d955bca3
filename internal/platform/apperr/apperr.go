// Package apperr defines the error taxonomy shared by the editing core.
//
// Every error that can reach a user carries a human readable message; the
// wrapped cause is kept for logging only.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies a failure by how callers are expected to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindPrecondition is a missing id or token; fatal to the single
	// operation, reported before any network call.
	KindPrecondition
	// KindNetwork is a failed call to the backend of record. Retrying is
	// left to the human.
	KindNetwork
	// KindPartialLoad is a section handler that failed to load. It is never
	// fatal to the record and degrades to a placeholder.
	KindPartialLoad
	// KindConcurrency is a duplicate in-flight submission. Callers ignore it.
	KindConcurrency
	// KindTransition is an illegal billing or revision state change.
	KindTransition
	// KindForbidden is an action attempted by the wrong role.
	KindForbidden
	// KindNotFound is a missing record, billing, revision or session.
	KindNotFound
	// KindInvalid is a malformed payload or argument.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindNetwork:
		return "network"
	case KindPartialLoad:
		return "partial_load"
	case KindConcurrency:
		return "concurrency"
	case KindTransition:
		return "transition"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is the concrete error type for every kind in the taxonomy.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so callers can write
// errors.Is(err, apperr.ErrPrecondition).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrPrecondition = &Error{Kind: KindPrecondition}
	ErrNetwork      = &Error{Kind: KindNetwork}
	ErrPartialLoad  = &Error{Kind: KindPartialLoad}
	ErrConcurrency  = &Error{Kind: KindConcurrency}
	ErrTransition   = &Error{Kind: KindTransition}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInvalid      = &Error{Kind: KindInvalid}
)

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Precondition(op, msg string) *Error { return New(KindPrecondition, op, msg) }

func Network(op, msg string, err error) *Error { return Wrap(KindNetwork, op, msg, err) }

func PartialLoad(op, msg string, err error) *Error { return Wrap(KindPartialLoad, op, msg, err) }

func Transition(op, msg string) *Error { return New(KindTransition, op, msg) }

func Forbidden(op, msg string) *Error { return New(KindForbidden, op, msg) }

func NotFound(op, msg string) *Error { return New(KindNotFound, op, msg) }

func Invalid(op, msg string) *Error { return New(KindInvalid, op, msg) }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the text safe to show to a user. Raw internal errors are
// never surfaced.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return "An unexpected error occurred. Please try again."
}

// HTTPStatus maps an error kind to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindPrecondition, KindInvalid:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTransition, KindConcurrency:
		return http.StatusConflict
	case KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError converts err into an echo error carrying only the human message.
func HTTPError(err error) error {
	return echo.NewHTTPError(HTTPStatus(err), Message(err))
}
