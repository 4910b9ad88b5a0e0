// Package apperr defines the error taxonomy shared by the engine, the
// payment client and the API surfaces.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, user-visible error code.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeBudgetExceeded      Code = "BUDGET_EXCEEDED"
	CodePaymentRequired     Code = "PAYMENT_REQUIRED"
	CodePaymentFailed       Code = "PAYMENT_FAILED"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeDuplicatePayment    Code = "DUPLICATE_PAYMENT"
	CodeApprovalRequired    Code = "APPROVAL_REQUIRED"
	CodeApprovalRejected    Code = "APPROVAL_REJECTED"
	CodeApprovalExpired     Code = "APPROVAL_EXPIRED"
	CodeAlreadyDecided      Code = "ALREADY_DECIDED"
	CodePolicyBlocked       Code = "POLICY_BLOCKED"
	CodeChain               Code = "CHAIN_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeSessionBusy         Code = "SESSION_BUSY"
	CodeCancelled           Code = "CANCELLED"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Attributes describe the default behaviour of a code.
type Attributes struct {
	Message    string
	Retryable  bool
	HTTPStatus int
}

var registry = map[Code]Attributes{
	CodeValidation:          {Message: "invalid request", HTTPStatus: http.StatusBadRequest},
	CodeBudgetExceeded:      {Message: "budget exceeded", HTTPStatus: http.StatusPaymentRequired},
	CodePaymentRequired:     {Message: "payment required", HTTPStatus: http.StatusPaymentRequired},
	CodePaymentFailed:       {Message: "payment failed", Retryable: true, HTTPStatus: http.StatusBadGateway},
	CodeInsufficientBalance: {Message: "insufficient balance", HTTPStatus: http.StatusPaymentRequired},
	CodeDuplicatePayment:    {Message: "duplicate payment", HTTPStatus: http.StatusConflict},
	CodeApprovalRequired:    {Message: "approval required", HTTPStatus: http.StatusForbidden},
	CodeApprovalRejected:    {Message: "approval rejected", HTTPStatus: http.StatusForbidden},
	CodeApprovalExpired:     {Message: "approval expired", HTTPStatus: http.StatusGone},
	CodeAlreadyDecided:      {Message: "approval already decided", HTTPStatus: http.StatusConflict},
	CodePolicyBlocked:       {Message: "blocked by policy", HTTPStatus: http.StatusForbidden},
	CodeChain:               {Message: "blockchain error", HTTPStatus: http.StatusBadGateway},
	CodeNotFound:            {Message: "resource not found", HTTPStatus: http.StatusNotFound},
	CodeSessionBusy:         {Message: "session is busy", HTTPStatus: http.StatusConflict},
	CodeCancelled:           {Message: "execution cancelled", HTTPStatus: http.StatusConflict},
	CodeInternal:            {Message: "internal error", HTTPStatus: http.StatusInternalServerError},
}

// AttributesOf returns the attributes of code, falling back to CodeInternal.
func AttributesOf(code Code) Attributes {
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeInternal]
}

// Error is the typed error used across the module.
type Error struct {
	code      Code
	message   string
	cause     error
	retryable *bool
	metadata  map[string]string
}

// Option configures an Error.
type Option func(*Error)

// WithRetryable overrides the default retryability of the code.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata attaches a key/value pair for logs.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New creates an error with the given code and message.
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps cause with a code and message. A nil cause yields nil.
func Wrap(cause error, code Code, message string, opts ...Option) *Error {
	if cause == nil {
		return nil
	}
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message()
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e != nil && t != nil && e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return ""
	}
	return e.code
}

// Message returns the human-readable message.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return AttributesOf(e.code).Message
}

// Retryable reports whether the operation may succeed if repeated.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Metadata returns a copy of the attached metadata.
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// From converts any error into an *Error, defaulting to CodeInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "")
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code()
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.code == code
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	return AttributesOf(CodeOf(err)).HTTPStatus
}

// Public returns the code and message safe to show to users. Internal error
// details are only exposed in debug mode.
func Public(err error, debug bool) (Code, string) {
	e := From(err)
	if e == nil {
		return "", ""
	}
	if e.code == CodeInternal && !debug {
		return e.code, AttributesOf(CodeInternal).Message
	}
	if debug && e.cause != nil {
		return e.code, fmt.Sprintf("%s: %v", e.Message(), e.cause)
	}
	return e.code, e.Message()
}
