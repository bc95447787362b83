// Package apperr carries the booking engine's error taxonomy across packages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies failures by the action a caller should take.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindTransactionFailure  Kind = "transaction_failure"
	// KindValidation flags malformed input rejected before any storage access.
	KindValidation Kind = "validation"
)

// Error is a classified failure with a message safe to show to end users.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind so errors.Is works with the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	ErrTransactionFailure  = &Error{Kind: KindTransactionFailure}
	ErrValidation          = &Error{Kind: KindValidation}
)

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func InsufficientBalance(format string, args ...any) error {
	return &Error{Kind: KindInsufficientBalance, Message: fmt.Sprintf(format, args...)}
}

func ConcurrencyConflict(format string, args ...any) error {
	return &Error{Kind: KindConcurrencyConflict, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// TransactionFailure wraps an unexpected storage error. Classified errors pass through
// untouched so a business rejection raised inside a transaction keeps its kind.
func TransactionFailure(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Kind: KindTransactionFailure, Message: "the operation could not be completed", Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors report KindTransactionFailure.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindTransactionFailure
}

// MessageOf returns the user-facing message of a classified error.
func MessageOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) && classified.Message != "" {
		return classified.Message
	}
	return "unexpected error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.Kind == kind
}
