package chat

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrValidation  = errors.New("invalid input")
	ErrNotFound    = errors.New("not found")
	ErrBackend     = errors.New("generation backend failed")
	ErrPersistence = errors.New("storage rejected the change")
	ErrTurnActive  = errors.New("a generation is already in progress")
)

// Error carries a kind, the operation that failed and the underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation reports rejected input.
func Validation(op, reason string) error {
	return newError(ErrValidation, op, errors.New(reason))
}

// NotFound reports a missing conversation or message.
func NotFound(op, what, id string) error {
	return newError(ErrNotFound, op, fmt.Errorf("%s %q", what, id))
}

// Backend wraps a generation failure.
func Backend(op string, err error) error {
	return newError(ErrBackend, op, err)
}

// Persistence wraps a rejected storage write or unreadable stored data.
func Persistence(op string, err error) error {
	return newError(ErrPersistence, op, err)
}

// IsKind reports whether err is a chat error of any kind.
func IsKind(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
