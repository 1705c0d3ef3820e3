// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrReconnectExhausted  = errors.New("stream reconnect attempts exhausted")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInstrumentNotFound  = errors.New("instrument not found")
	ErrNotRunning          = errors.New("not running")
	ErrAlreadyRunning      = errors.New("already running")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrNoPriceData         = errors.New("no price data")
	ErrNoPosition          = errors.New("no open position")
	ErrFillTimeout         = errors.New("order not filled before timeout")
)

// APIError represents a non-zero response status from the exchange API, or a
// transport failure (Code == 0) that never produced a response.
type APIError struct {
	Code    int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("api error [%d]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("api error [%d]: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError.
func NewAPIError(code int, message string, err error) *APIError {
	return &APIError{Code: code, Message: message, Err: err}
}

// AuthenticationError means the signature or credentials were rejected.
// It is fatal to the session.
type AuthenticationError struct {
	Code    int
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication error [%d]: %s", e.Code, e.Message)
}

// RateLimitError means the exchange throttled the request.
type RateLimitError struct {
	Code    int
	Message string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit error [%d]: %s", e.Code, e.Message)
}

// InvalidOrderError means the exchange rejected order parameters. Never retried.
type InvalidOrderError struct {
	Code    int
	Message string
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("invalid order [%d]: %s", e.Code, e.Message)
}

// Is matches ErrInsufficientBalance for the balance rejection codes.
func (e *InvalidOrderError) Is(target error) bool {
	if target != ErrInsufficientBalance {
		return false
	}
	switch e.Code {
	case 110004, 110007, 110012, 110045:
		return true
	}
	return false
}

// StreamError represents a websocket transport failure.
type StreamError struct {
	Op      string
	Attempt int
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error [%s] attempt %d: %v", e.Op, e.Attempt, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// NewStreamError creates a new StreamError.
func NewStreamError(op string, attempt int, err error) *StreamError {
	return &StreamError{Op: op, Attempt: attempt, Err: err}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Classify maps a Bybit retCode to the error taxonomy.
func Classify(code int, message string) error {
	switch {
	case code == 0:
		return nil
	case code == 10003, code == 10004, code == 10005, code == 10007, code == 10009, code == 33004:
		return &AuthenticationError{Code: code, Message: message}
	case code == 10006, code == 10018:
		return &RateLimitError{Code: code, Message: message}
	case code == 10001, code >= 110001 && code <= 110099, code == 170130, code == 170131:
		return &InvalidOrderError{Code: code, Message: message}
	default:
		return NewAPIError(code, message, nil)
	}
}

// IsRetryable reports whether a failed idempotent call may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthenticationError
	var orderErr *InvalidOrderError
	if As(err, &authErr) || As(err, &orderErr) {
		return false
	}
	var rateErr *RateLimitError
	var apiErr *APIError
	return As(err, &rateErr) || As(err, &apiErr)
}

// IsAuthentication reports whether err is an AuthenticationError.
func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return As(err, &authErr)
}

// IsInvalidOrder reports whether err is an InvalidOrderError.
func IsInvalidOrder(err error) bool {
	var orderErr *InvalidOrderError
	return As(err, &orderErr)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
