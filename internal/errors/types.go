// Package errors defines the structured error type shared by hotwatch
// components. Every error carries a category and a stable code so callers
// can branch on errors.Is without string matching.
package errors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeProtocol   ErrorType = "protocol"
	ErrorTypeBuild      ErrorType = "build"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeInternal   ErrorType = "internal"
)

// HotwatchError is a structured error type with context.
type HotwatchError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Component   string
	Path        string
	Recoverable bool
}

// Error implements the error interface.
func (e *HotwatchError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}
	if e.Path != "" {
		parts = append(parts, e.Path)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *HotwatchError) Unwrap() error {
	return e.Cause
}

// Is matches on type and code, so a freshly built error compares equal to
// the package sentinels below.
func (e *HotwatchError) Is(target error) bool {
	var t *HotwatchError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *HotwatchError) WithContext(key string, value interface{}) *HotwatchError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithPath records the file or directory the error is about.
func (e *HotwatchError) WithPath(path string) *HotwatchError {
	e.Path = path

	return e
}

// WithComponent adds component context.
func (e *HotwatchError) WithComponent(component string) *HotwatchError {
	e.Component = component

	return e
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *HotwatchError {
	return &HotwatchError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewProtocolError creates an error for malformed data read from the kernel
// or the network.
func NewProtocolError(code, message string) *HotwatchError {
	return &HotwatchError{
		Type:    ErrorTypeProtocol,
		Code:    code,
		Message: message,
	}
}

// NewBuildError creates a build error.
func NewBuildError(code, message string, cause error) *HotwatchError {
	return &HotwatchError{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *HotwatchError {
	return &HotwatchError{
		Type:    ErrorTypeIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *HotwatchError {
	return &HotwatchError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewInternalError creates an internal error. These signal a broken
// invariant, not bad input.
func NewInternalError(code, message string, cause error) *HotwatchError {
	return &HotwatchError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var he *HotwatchError
	if errors.As(err, &he) {
		return he.Recoverable
	}

	return false
}

// IsType reports whether err is a HotwatchError of the given type.
func IsType(err error, errType ErrorType) bool {
	var he *HotwatchError
	if errors.As(err, &he) {
		return he.Type == errType
	}

	return false
}

// ErrorHandler logs errors surfaced by background components at a level
// matching their type.
type ErrorHandler struct {
	logger Logger
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs err. Context cancellation is treated as a normal exit.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil || h.logger == nil || errors.Is(err, context.Canceled) {
		return
	}

	var he *HotwatchError
	if !errors.As(err, &he) {
		h.logger.Error(ctx, err, "Unhandled error occurred")
		return
	}

	fields := logFields(GetErrorContext(he))
	if IsRecoverable(he) {
		h.logger.Warn(ctx, he, "Recoverable error occurred", fields...)
		return
	}
	h.logger.Error(ctx, he, "Error occurred", fields...)
}

// logFields turns a context map into key/value pairs in key order.
func logFields(m map[string]interface{}) []interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		fields = append(fields, k, m[k])
	}
	return fields
}

// Common error codes.
const (
	ErrCodeInvalidPath   = "ERR_INVALID_PATH"
	ErrCodePathTooLong   = "ERR_PATH_TOO_LONG"
	ErrCodeWatchInit     = "ERR_WATCH_INIT"
	ErrCodeWatchAdd      = "ERR_WATCH_ADD"
	ErrCodeWatchRead     = "ERR_WATCH_READ"
	ErrCodeUnmappedWatch = "ERR_UNMAPPED_WATCH"
	ErrCodeDecode        = "ERR_DECODE"
	ErrCodeBind          = "ERR_BIND"
	ErrCodeSpawn         = "ERR_SPAWN"
	ErrCodeCommandExit   = "ERR_COMMAND_EXIT"
	ErrCodeConfigInvalid = "ERR_CONFIG_INVALID"
	ErrCodeInternalError = "ERR_INTERNAL"
)

// Sentinels for errors.Is checks.
var (
	ErrPathTooLong   = NewValidationError(ErrCodePathTooLong, "path exceeds the maximum path length")
	ErrDecode        = NewProtocolError(ErrCodeDecode, "malformed watch record")
	ErrUnmappedWatch = NewInternalError(ErrCodeUnmappedWatch, "watch descriptor has no registered path", nil)
)

// ValidationError interface for field-specific validation errors.
type ValidationError interface {
	error
	Field() string
	Value() interface{}
	Suggestions() []string
}

// FieldValidationError implements ValidationError for specific field errors.
type FieldValidationError struct {
	FieldName    string
	FieldValue   interface{}
	ErrorMessage string
	HelpText     []string
}

// Error implements the error interface.
func (fve *FieldValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", fve.FieldName, fve.ErrorMessage)
}

// Field returns the field name that failed validation.
func (fve *FieldValidationError) Field() string {
	return fve.FieldName
}

// Value returns the invalid value.
func (fve *FieldValidationError) Value() interface{} {
	return fve.FieldValue
}

// Suggestions returns helpful suggestions for fixing the error.
func (fve *FieldValidationError) Suggestions() []string {
	return fve.HelpText
}

// NewFieldValidationError creates a new field validation error.
func NewFieldValidationError(
	field string,
	value interface{},
	message string,
	suggestions ...string,
) *FieldValidationError {
	return &FieldValidationError{
		FieldName:    field,
		FieldValue:   value,
		ErrorMessage: message,
		HelpText:     suggestions,
	}
}

// ValidationErrorCollection represents a collection of validation errors.
type ValidationErrorCollection struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (vec *ValidationErrorCollection) Error() string {
	if len(vec.Errors) == 0 {
		return "no validation errors"
	}
	if len(vec.Errors) == 1 {
		return vec.Errors[0].Error()
	}

	return fmt.Sprintf("validation failed with %d errors", len(vec.Errors))
}

// AddField adds a field validation error to the collection.
func (vec *ValidationErrorCollection) AddField(
	field string,
	value interface{},
	message string,
	suggestions ...string,
) {
	vec.Errors = append(vec.Errors, NewFieldValidationError(field, value, message, suggestions...))
}

// HasErrors returns true if there are any validation errors.
func (vec *ValidationErrorCollection) HasErrors() bool {
	return len(vec.Errors) > 0
}

// ToHotwatchError converts the collection into a single config error, or
// nil when it is empty.
func (vec *ValidationErrorCollection) ToHotwatchError() *HotwatchError {
	if !vec.HasErrors() {
		return nil
	}

	messages := make([]string, 0, len(vec.Errors))
	fields := make(map[string]interface{}, len(vec.Errors))
	for _, err := range vec.Errors {
		messages = append(messages, err.Error())
		fields[err.Field()] = map[string]interface{}{
			"value":       err.Value(),
			"suggestions": err.Suggestions(),
		}
	}

	return &HotwatchError{
		Type:    ErrorTypeConfig,
		Code:    ErrCodeConfigInvalid,
		Message: strings.Join(messages, "; "),
		Context: fields,
	}
}
