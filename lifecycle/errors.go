package lifecycle

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure into one of the closed categories the
// REST layer maps onto HTTP semantics. Validation, state-conflict,
// authorization and signature failures are never retried; external-service
// failures are retried inside the signing pipeline before surfacing.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindStateConflict
	KindAuthorization
	KindExternalService
	KindSignature
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStateConflict:
		return "state_conflict"
	case KindAuthorization:
		return "authorization"
	case KindExternalService:
		return "external_service"
	case KindSignature:
		return "signature"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Code identifies the specific rejection so callers can decide whether to
// retry, resubmit with different parameters, or reconcile.
type Code string

const (
	CodeInvalidOrderSpec       Code = "InvalidOrderSpec"
	CodeOrderNotFillable       Code = "OrderNotFillable"
	CodeAmountExceedsRemaining Code = "AmountExceedsRemaining"
	CodePartialFillNotAllowed  Code = "PartialFillNotAllowed"
	CodeUnauthorized           Code = "Unauthorized"
	CodeAlreadyTerminal        Code = "AlreadyTerminal"
	CodeInvalidEscrowSpec      Code = "InvalidEscrowSpec"
	CodePreimageMismatch       Code = "PreimageMismatch"
	CodeLockNotExpired         Code = "LockNotExpired"
	CodeNoArbiterConfigured    Code = "NoArbiterConfigured"
	CodeNotDisputed            Code = "NotDisputed"
	CodeIncompleteSignature    Code = "IncompleteSignature"
	CodeIntentRejected         Code = "IntentRejected"
	CodeProverUnavailable      Code = "ProverUnavailable"
	CodeNotFound               Code = "NotFound"
)

// Error is the typed failure returned by the lifecycle managers. Entity, when
// set, carries the current authoritative entity snapshot so rejected callers
// can reconcile without a second read.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Entity  any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a lifecycle error.
func New(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a lifecycle error.
func Wrap(kind Kind, code Code, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithEntity returns a copy carrying the current entity snapshot.
func (e *Error) WithEntity(entity any) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Entity = entity
	return &clone
}

// KindOf extracts the failure category, defaulting to external-service for
// untyped errors so unexpected failures are surfaced as retryable.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindExternalService
}

// CodeOf extracts the rejection code from an error chain, or empty.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// Is reports whether the error chain contains a lifecycle error with the code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
