// Package errors provides the machine-readable error codes used across the
// engine. Every code carries the OM_ERR_ prefix; ranges are grouped by
// subsystem: 1xx orders, 2xx balances, 3xx reservations, 4xx epoch,
// 5xx matching, 6xx settlement, 8xx security, 9xx internal.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions re-exported for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Code is a stable machine-readable error code.
type Code int

// Error codes, grouped by subsystem.
const (
	// Orders (1xx)
	CodeOrderNotFound       Code = 100
	CodeInvalidOrder        Code = 101
	CodeDuplicateOrder      Code = 102
	CodeOrderNotCancellable Code = 103
	CodeRateLimited         Code = 104

	// Balances (2xx)
	CodeInsufficientBalance Code = 200
	CodeInsufficientFrozen  Code = 201
	CodeLedgerUnderflow     Code = 202
	CodeLedgerHalted        Code = 203
	CodeInvalidAmount       Code = 204

	// Reservations (3xx)
	CodeInvalidReservation Code = 300
	CodeReservationExpired Code = 301
	CodeSignatureInvalid   Code = 302
	CodeNonceReused        Code = 303
	CodeUnknownIssuer      Code = 304

	// Epoch (4xx)
	CodeWrongEpochPhase Code = 400
	CodeBufferSealed    Code = 402
	CodeBufferFull      Code = 403

	// Matching (5xx)
	CodeMatchingFailed       Code = 500
	CodeDeterminismViolation Code = 501

	// Settlement (6xx)
	CodeSettlementFailed    Code = 600
	CodeTradeAlreadySettled Code = 602

	// Security (8xx)
	CodeSupplyInvariantViolation Code = 801

	// Internal (9xx)
	CodeInternal Code = 900
)

// Error is the engine's error type: a stable code, a short kind, a human
// message and an optional wrapped cause. Errors with the same code compare
// equal under errors.Is.
type Error struct {
	Code    Code
	Kind    string
	Message string
	cause   error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	s := fmt.Sprintf("OM_ERR_%d: %s", e.Code, e.Kind)
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.cause != nil {
		s += fmt.Sprintf(" (%v)", e.cause)
	}
	return s
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches any *Error with the same code, so sentinel values work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Explain returns a copy of the error with the given formatted message.
func (e *Error) Explain(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of the error with the given cause attached.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

func sentinel(code Code, kind string) *Error {
	return &Error{Code: code, Kind: kind}
}

// Sentinel errors. Use Explain/Wrap to attach context; compare with errors.Is.
var (
	ErrOrderNotFound       = sentinel(CodeOrderNotFound, "OrderNotFound")
	ErrInvalidOrder        = sentinel(CodeInvalidOrder, "InvalidOrder")
	ErrDuplicateOrder      = sentinel(CodeDuplicateOrder, "DuplicateOrder")
	ErrOrderNotCancellable = sentinel(CodeOrderNotCancellable, "OrderNotCancellable")
	ErrRateLimited         = sentinel(CodeRateLimited, "RateLimited")

	ErrInsufficientBalance = sentinel(CodeInsufficientBalance, "InsufficientBalance")
	ErrInsufficientFrozen  = sentinel(CodeInsufficientFrozen, "InsufficientFrozen")
	ErrLedgerUnderflow     = sentinel(CodeLedgerUnderflow, "LedgerUnderflow")
	ErrLedgerHalted        = sentinel(CodeLedgerHalted, "LedgerHalted")
	ErrInvalidAmount       = sentinel(CodeInvalidAmount, "InvalidAmount")

	ErrInvalidReservation = sentinel(CodeInvalidReservation, "InvalidReservation")
	ErrReservationExpired = sentinel(CodeReservationExpired, "ReservationExpired")
	ErrSignatureInvalid   = sentinel(CodeSignatureInvalid, "SignatureInvalid")
	ErrNonceReused        = sentinel(CodeNonceReused, "NonceReused")
	ErrUnknownIssuer      = sentinel(CodeUnknownIssuer, "UnknownIssuer")

	ErrWrongEpochPhase = sentinel(CodeWrongEpochPhase, "WrongEpochPhase")
	ErrBufferSealed    = sentinel(CodeBufferSealed, "BufferSealed")
	ErrBufferFull      = sentinel(CodeBufferFull, "BufferFull")

	ErrMatchingFailed       = sentinel(CodeMatchingFailed, "MatchingFailed")
	ErrDeterminismViolation = sentinel(CodeDeterminismViolation, "DeterminismViolation")

	ErrSettlementFailed    = sentinel(CodeSettlementFailed, "SettlementFailed")
	ErrTradeAlreadySettled = sentinel(CodeTradeAlreadySettled, "TradeAlreadySettled")

	ErrSupplyInvariantViolation = sentinel(CodeSupplyInvariantViolation, "SupplyInvariantViolation")

	ErrInternal = sentinel(CodeInternal, "Internal")
)

// CodeOf returns the code carried by err, or CodeInternal when err is not an
// engine error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
