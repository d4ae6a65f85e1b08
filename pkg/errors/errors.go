// Package errors provides the structured error type used across mangacache:
// error codes, categories, and context for logs and the stats endpoint.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode represents a structured error code.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Connection errors
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeNetworkError     ErrorCode = "NETWORK_ERROR"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"

	// Origin storage errors
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"
	ErrCodePathInvalid    ErrorCode = "PATH_INVALID"

	// Resource errors
	ErrCodeEntryTooLarge     ErrorCode = "ENTRY_TOO_LARGE"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// State errors
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeNotStarted     ErrorCode = "NOT_STARTED"
	ErrCodeCacheClosed    ErrorCode = "CACHE_CLOSED"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:     CategoryConfiguration,
	ErrCodeConfigLoad:        CategoryConfiguration,
	ErrCodeConfigSave:        CategoryConfiguration,
	ErrCodeConfigValidation:  CategoryConfiguration,
	ErrCodeConnectionFailed:  CategoryConnection,
	ErrCodeNetworkError:      CategoryConnection,
	ErrCodeCircuitOpen:       CategoryConnection,
	ErrCodeObjectNotFound:    CategoryStorage,
	ErrCodeStorageRead:       CategoryStorage,
	ErrCodeAccessDenied:      CategoryStorage,
	ErrCodePathInvalid:       CategoryStorage,
	ErrCodeEntryTooLarge:     CategoryResource,
	ErrCodeResourceExhausted: CategoryResource,
	ErrCodeAlreadyStarted:    CategoryState,
	ErrCodeNotStarted:        CategoryState,
	ErrCodeCacheClosed:       CategoryState,
	ErrCodeOperationTimeout:  CategoryOperation,
	ErrCodeOperationCanceled: CategoryOperation,
	ErrCodeRetryExhausted:    CategoryOperation,
}

var retryable = map[ErrorCode]bool{
	ErrCodeConnectionFailed:  true,
	ErrCodeNetworkError:      true,
	ErrCodeStorageRead:       true,
	ErrCodeOperationTimeout:  true,
	ErrCodeResourceExhausted: true,
}

var httpStatus = map[ErrorCode]int{
	ErrCodeInvalidConfig:     400,
	ErrCodeConfigValidation:  400,
	ErrCodePathInvalid:       400,
	ErrCodeAccessDenied:      403,
	ErrCodeObjectNotFound:    404,
	ErrCodeAlreadyStarted:    409,
	ErrCodeEntryTooLarge:     413,
	ErrCodeResourceExhausted: 429,
	ErrCodeCacheClosed:       503,
	ErrCodeCircuitOpen:       503,
	ErrCodeConnectionFailed:  502,
	ErrCodeStorageRead:       502,
	ErrCodeOperationTimeout:  504,
}

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	var prefix string
	switch {
	case e.Component != "" && e.Operation != "":
		prefix = fmt.Sprintf("[%s:%s] ", e.Component, e.Operation)
	case e.Component != "":
		prefix = fmt.Sprintf("[%s] ", e.Component)
	}

	msg := fmt.Sprintf("%s%s: %s", prefix, e.Code, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches another *CacheError by code, so package-level sentinels work
// with errors.Is even after WithDetail/WithCause copies.
func (e *CacheError) Is(target error) bool {
	if other, ok := target.(*CacheError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *CacheError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("CacheError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *CacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with defaults derived from its code.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  retryable[code],
		HTTPStatus: GetHTTPStatus(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with the given code around cause.
func Wrap(cause error, code ErrorCode, message string) *CacheError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory returns the category of a code.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// GetHTTPStatus returns the HTTP status a serving layer should use.
func GetHTTPStatus(code ErrorCode) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return 500
}

// CodeOf extracts the code from any error in the chain, or "" when the
// chain has no *CacheError.
func CodeOf(err error) ErrorCode {
	var ce *CacheError
	if stderr.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	var ce *CacheError
	if stderr.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// clone copies e so sentinel errors can be decorated without mutation.
func (e *CacheError) clone() *CacheError {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// WithDetail returns a copy of e with an extra detail.
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]interface{})
	}
	c.Details[key] = value
	return c
}

// WithComponent returns a copy of e tagged with component.
func (e *CacheError) WithComponent(component string) *CacheError {
	c := e.clone()
	c.Component = component
	return c
}

// WithOperation returns a copy of e tagged with operation.
func (e *CacheError) WithOperation(operation string) *CacheError {
	c := e.clone()
	c.Operation = operation
	return c
}

// WithCause returns a copy of e wrapping cause.
func (e *CacheError) WithCause(cause error) *CacheError {
	c := e.clone()
	c.Cause = cause
	return c
}
