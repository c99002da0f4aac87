package domain

import (
	"errors"
	"fmt"
)

// Error kinds. The HTTP surface maps them to status codes with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrRejected   = errors.New("order rejected by pre-trade guard")
	ErrNotFound   = errors.New("not found")
	ErrNoData     = errors.New("no data")
	ErrConnection = errors.New("gateway connection error")
	ErrUpstream   = errors.New("gateway error")
)

// Error carries a caller-facing message together with one of the kinds above.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Unwrap exposes the kind to errors.Is.
func (e *Error) Unwrap() error { return e.Kind }

// Errorf builds an *Error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
