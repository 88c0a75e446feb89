package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass partitions engine errors by required handling:
// Input and State surface to callers, Transient is retried internally,
// Fatal engages the emergency brake.
type ErrorClass string

const (
	ErrorClassInput     ErrorClass = "input"
	ErrorClassState     ErrorClass = "state"
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassFatal     ErrorClass = "fatal"
)

// Stable rejection codes carried on domain errors.
const (
	CodeBrakeActive           = "BRAKE_ACTIVE"
	CodeBotNotActive          = "BOT_NOT_ACTIVE"
	CodeAssetNotActive        = "ASSET_NOT_ACTIVE"
	CodeBelowMinimum          = "BELOW_MINIMUM"
	CodeCapReached            = "CAP_REACHED"
	CodeComplianceDenied      = "COMPLIANCE_DENIED"
	CodeDuplicatePosition     = "DUPLICATE_POSITION"
	CodeCorrelationLimit      = "CORRELATION_LIMIT"
	CodeVaRLimit              = "VAR_LIMIT"
	CodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	CodeInsufficientTokens    = "INSUFFICIENT_TOKENS"
	CodeInsufficientLiquidity = "INSUFFICIENT_LIQUIDITY"
	CodeNoProvider            = "NO_PROVIDER"
	CodeRateLimited           = "RATE_LIMITED"
	CodeStaleSeries           = "STALE_SERIES"
	CodeNotReady              = "NOT_READY"
	CodeNoYield               = "NO_YIELD"
	CodeDeployed              = "STRATEGY_DEPLOYED"
	CodeNotFound              = "NOT_FOUND"
	CodeInvalidInput          = "INVALID_INPUT"
	CodeUnknownSymbol         = "UNKNOWN_SYMBOL"
	CodeLedgerCorrupt         = "LEDGER_CORRUPT"
	CodeInternal              = "INTERNAL"
)

// Error is the engine's classified error. Every rejected order or signal
// carries one, serialized to callers as {code, message, retryable}.
type Error struct {
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	Class     ErrorClass `json:"-"`
	Retryable bool       `json:"retryable"`
	Err       error      `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error class to an HTTP status code. NOT_FOUND
// carries its own status regardless of class.
func (e *Error) HTTPStatus() int {
	if e.Code == CodeNotFound {
		return http.StatusNotFound
	}
	switch e.Class {
	case ErrorClassInput:
		return http.StatusBadRequest
	case ErrorClassState:
		return http.StatusConflict
	case ErrorClassTransient:
		return http.StatusServiceUnavailable
	case ErrorClassFatal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewInputError builds a caller-input error (4xx equivalent, not retryable).
func NewInputError(code, message string) *Error {
	return &Error{Code: code, Message: message, Class: ErrorClassInput}
}

// NewStateError builds a domain-state rejection (stable code, not retryable).
func NewStateError(code, message string) *Error {
	return &Error{Code: code, Message: message, Class: ErrorClassState}
}

// NewTransientError builds a retryable error caused by an upstream hiccup.
func NewTransientError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Class: ErrorClassTransient, Retryable: true, Err: cause}
}

// NewFatalError builds an error that must engage the emergency brake.
func NewFatalError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Class: ErrorClassFatal, Err: cause}
}

// AsError extracts a classified error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the stable code of a classified error, or CodeInternal.
func CodeOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error chain carries a retryable error.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// IsFatal reports whether the error chain carries a fatal-class error.
func IsFatal(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Class == ErrorClassFatal
	}
	return false
}
