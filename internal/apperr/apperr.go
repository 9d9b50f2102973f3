// Package apperr carries the structured error taxonomy returned by the
// deposit, investment and valuation operations. Callers outside the core
// receive an *Error (possibly wrapped) instead of an untyped failure.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers deciding what to do next.
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindInvalidInput      Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
	KindValidation        Kind = "validation"          // remote response failed schema validation
	KindDuplicate         Kind = "duplicate_suspected" // matching prior operation found
	KindInsufficientFunds Kind = "insufficient_funds"
	KindAccountMismatch   Kind = "account_mismatch"
	KindFlaggedDeposit    Kind = "flagged_deposit"
	KindLimitExceeded     Kind = "limit_exceeded"
	KindRemoteAPI         Kind = "remote_api"
	KindTransient         Kind = "transient_infra"
	KindConflict          Kind = "conflict"
)

// Error is a classified failure of one core operation.
//
// Detail holds whatever the caller needs for human review: duplicate
// candidate lists, or the result of the reconciling search run after a
// failed side-effecting call.
type Error struct {
	Kind   Kind
	Op     string
	Code   string // remote error code, when the remote side supplied one
	Err    error
	Detail any
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code %s)", msg, e.Code)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind around err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithDetail builds an *Error that carries a review payload.
func WithDetail(kind Kind, op string, err error, detail any) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Detail: detail}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DetailOf returns the review payload attached to err, if any.
func DetailOf(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return nil
}

// Coded is implemented by remote API errors that carry an error code.
type Coded interface {
	ErrorCode() string
}

// Remote builds a KindRemoteAPI error, lifting the remote error code when
// err carries one.
func Remote(op string, err error) *Error {
	e := &Error{Kind: KindRemoteAPI, Op: op, Err: err}
	var c Coded
	if errors.As(err, &c) {
		e.Code = c.ErrorCode()
	}
	return e
}
