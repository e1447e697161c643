package pawn

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by the engine matches exactly one of
// these with errors.Is.
var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotFound               = errors.New("not found")
	ErrAddressCollision       = errors.New("address collision")
	ErrWrongState             = errors.New("wrong state")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrFatal                  = errors.New("fatal")
)

// ErrMathOverflow is reported when principal plus fee does not fit in 64 bits.
// It is an invalid-input failure.
var ErrMathOverflow = fmt.Errorf("%w: math overflow", ErrInvalidInput)

var errNilState = errors.New("pawn engine: state not configured")

var kinds = []error{
	ErrInvalidInput,
	ErrNotFound,
	ErrAddressCollision,
	ErrWrongState,
	ErrInsufficientFunds,
	ErrInsufficientCollateral,
	ErrUnauthorized,
	ErrFatal,
}

// Error describes a failed engine operation.
type Error struct {
	Op     string
	Kind   error
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("pawn: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("pawn: %s: %v: %s", e.Op, e.Kind, e.Reason)
}

// Unwrap exposes the kind to errors.Is.
func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(op string, kind error, format string, args ...interface{}) *Error {
	return &Error{Op: op, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the error kind carried by err, or nil when err did not come
// from a classified engine failure.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns a stable snake_case identifier for err's kind.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrInvalidInput:
		return "invalid_input"
	case ErrNotFound:
		return "not_found"
	case ErrAddressCollision:
		return "address_collision"
	case ErrWrongState:
		return "wrong_state"
	case ErrInsufficientFunds:
		return "insufficient_funds"
	case ErrInsufficientCollateral:
		return "insufficient_collateral"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrFatal:
		return "fatal"
	default:
		return "internal"
	}
}
