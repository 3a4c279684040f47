// Package errors defines the typed error taxonomy returned by the loyalty core.
//
// Every error surfaced to a caller carries a stable machine-readable code, a
// human-readable message and the HTTP status the route layer should use. The
// wrapped cause is kept for server-side logging only and never leaks into
// Message.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind groups error codes into the categories callers branch on.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindValidation          Kind = "validation"
	KindForbidden           Kind = "forbidden"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindInternal            Kind = "internal"
)

// ErrorCode is the stable machine-readable identifier of an error.
type ErrorCode string

const (
	CodeNotFound                ErrorCode = "NOT_FOUND"
	CodeConflict                ErrorCode = "CONFLICT"
	CodeValidation              ErrorCode = "VALIDATION_ERROR"
	CodeForbidden               ErrorCode = "FORBIDDEN"
	CodeUnauthorized            ErrorCode = "UNAUTHORIZED"
	CodeRateLimited             ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInsufficientBalance     ErrorCode = "INSUFFICIENT_BALANCE"
	CodeInternal                ErrorCode = "INTERNAL_ERROR"
	CodeNotCircleHolder         ErrorCode = "NOT_CIRCLE_HOLDER"
	CodeNotInCircle             ErrorCode = "NOT_IN_CIRCLE"
	CodeCircleCreditsNotAllowed ErrorCode = "CIRCLE_CREDITS_NOT_ALLOWED"
	CodeCircleDebitsNotAllowed  ErrorCode = "CIRCLE_DEBITS_NOT_ALLOWED"
	CodeMemberAlreadyInCircle   ErrorCode = "MEMBER_ALREADY_IN_CIRCLE"
	CodeMemberNotInCircle       ErrorCode = "MEMBER_NOT_IN_CIRCLE"
	CodeCannotAddSelf           ErrorCode = "CANNOT_ADD_SELF"
	CodeHolderAlreadyMember     ErrorCode = "HOLDER_ALREADY_MEMBER"
)

// Sentinels matched through errors.Is against any ServiceError of that kind.
var (
	ErrNotFound            = stderrors.New("not found")
	ErrConflict            = stderrors.New("conflict")
	ErrInvalidInput        = stderrors.New("invalid input")
	ErrForbidden           = stderrors.New("forbidden")
	ErrInsufficientBalance = stderrors.New("insufficient balance")
	ErrInternal            = stderrors.New("internal error")
)

// ServiceError is the single error type returned across the core boundary.
type ServiceError struct {
	Kind       Kind
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil && e.Kind != KindInternal {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the kind sentinel and the underlying cause.
func (e *ServiceError) Unwrap() []error {
	errs := []error{sentinelFor(e.Kind)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// WithDetails returns a copy carrying an extra detail entry.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindValidation:
		return ErrInvalidInput
	case KindForbidden:
		return ErrForbidden
	case KindInsufficientBalance:
		return ErrInsufficientBalance
	default:
		return ErrInternal
	}
}

func newError(kind Kind, code ErrorCode, status int, message string) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message, HTTPStatus: status}
}

// NotFound reports a missing resource, e.g. NotFound("client", "c1").
func NotFound(resource, id string) *ServiceError {
	msg := resource + " not found"
	if id != "" {
		msg = fmt.Sprintf("%s %q not found", resource, id)
	}
	return newError(KindNotFound, CodeNotFound, http.StatusNotFound, msg)
}

// NotFoundWithCode reports a missing resource under a domain-specific code.
func NotFoundWithCode(code ErrorCode, message string) *ServiceError {
	return newError(KindNotFound, code, http.StatusNotFound, message)
}

// Conflict reports a uniqueness or state conflict.
func Conflict(code ErrorCode, message string) *ServiceError {
	if code == "" {
		code = CodeConflict
	}
	return newError(KindConflict, code, http.StatusConflict, message)
}

// Validation reports malformed input that reached the core.
func Validation(field, reason string) *ServiceError {
	msg := reason
	if field != "" {
		msg = fmt.Sprintf("%s: %s", field, reason)
	}
	return newError(KindValidation, CodeValidation, http.StatusBadRequest, msg).WithDetails("field", field)
}

// BadRequest reports a business-rule rejection with its own code.
func BadRequest(code ErrorCode, message string) *ServiceError {
	return newError(KindValidation, code, http.StatusBadRequest, message)
}

// Forbidden reports an authorization failure under the given code.
func Forbidden(code ErrorCode, message string) *ServiceError {
	if code == "" {
		code = CodeForbidden
	}
	return newError(KindForbidden, code, http.StatusForbidden, message)
}

// Unauthorized reports a missing or invalid caller identity.
func Unauthorized(message string) *ServiceError {
	return newError(KindForbidden, CodeUnauthorized, http.StatusUnauthorized, message)
}

// RateLimited reports that the caller exceeded its request budget.
func RateLimited(message string) *ServiceError {
	return newError(KindForbidden, CodeRateLimited, http.StatusTooManyRequests, message)
}

// InsufficientBalance reports a debit that would drive points negative.
func InsufficientBalance(balance, requested int64) *ServiceError {
	return newError(KindInsufficientBalance, CodeInsufficientBalance, http.StatusBadRequest,
		"insufficient points balance").
		WithDetails("balance", balance).
		WithDetails("requested", requested)
}

// Internal wraps an unexpected failure. The message is generic; the cause is
// kept in Err for logging.
func Internal(message string, cause error) *ServiceError {
	if message == "" {
		message = "internal error"
	}
	e := newError(KindInternal, CodeInternal, http.StatusInternalServerError, message)
	e.Err = cause
	return e
}

// GetServiceError extracts a ServiceError from err, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// Wrap converts err into a ServiceError, preserving existing ones.
func Wrap(err error, message string) *ServiceError {
	if err == nil {
		return nil
	}
	if se := GetServiceError(err); se != nil {
		return se
	}
	return Internal(message, err)
}

func IsNotFound(err error) bool            { return stderrors.Is(err, ErrNotFound) }
func IsConflict(err error) bool            { return stderrors.Is(err, ErrConflict) }
func IsValidation(err error) bool          { return stderrors.Is(err, ErrInvalidInput) }
func IsForbidden(err error) bool           { return stderrors.Is(err, ErrForbidden) }
func IsInsufficientBalance(err error) bool { return stderrors.Is(err, ErrInsufficientBalance) }

// HasCode reports whether err is a ServiceError with the given code.
func HasCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
