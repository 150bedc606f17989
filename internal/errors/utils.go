package errors

import (
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context, creating a HotwatchError if the input is not already one
func Wrap(err error, errType ErrorType, code, message string) *HotwatchError {
	if err == nil {
		return nil
	}

	// keep component and path from an inner HotwatchError
	var he *HotwatchError
	if errors.As(err, &he) {
		return &HotwatchError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Cause:       err,
			Context:     he.Context,
			Component:   he.Component,
			Path:        he.Path,
			Recoverable: he.Recoverable,
		}
	}

	return &HotwatchError{
		Type:        errType,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: errType == ErrorTypeValidation || errType == ErrorTypeBuild,
	}
}

// WrapIO wraps an error as an I/O error
func WrapIO(err error, code, message string) *HotwatchError {
	he := Wrap(err, ErrorTypeIO, code, message)
	if he != nil {
		he.Recoverable = false
	}
	return he
}

// WrapConfig wraps an error as a configuration error
func WrapConfig(err error, code, message string) *HotwatchError {
	he := Wrap(err, ErrorTypeConfig, code, message)
	if he != nil {
		he.Recoverable = false
	}
	return he
}

// WrapBuild wraps an error from the user's command
func WrapBuild(err error, code, message, component string) *HotwatchError {
	he := Wrap(err, ErrorTypeBuild, code, message)
	if he != nil {
		he.Component = component
	}
	return he
}

// FormatErrorWithSuggestions formats an error with suggestions for ValidationError types
func FormatErrorWithSuggestions(err error) string {
	if err == nil {
		return ""
	}

	var ve ValidationError
	if errors.As(err, &ve) {
		result := ve.Error()
		for i, suggestion := range ve.Suggestions() {
			if i == 0 {
				result += "\n\nSuggestions:"
			}
			result += fmt.Sprintf("\n  • %s", suggestion)
		}
		return result
	}

	var vec *ValidationErrorCollection
	if errors.As(err, &vec) {
		result := vec.Error()
		for _, e := range vec.Errors {
			result += "\n  - " + FormatErrorWithSuggestions(e)
		}
		return result
	}

	return err.Error()
}

// GetErrorContext flattens a HotwatchError into log fields
func GetErrorContext(err error) map[string]interface{} {
	var he *HotwatchError
	if !errors.As(err, &he) {
		return map[string]interface{}{
			"message": err.Error(),
			"type":    "unknown",
		}
	}

	fields := make(map[string]interface{}, len(he.Context)+5)
	for k, v := range he.Context {
		fields[k] = v
	}
	if he.Component != "" {
		fields["component"] = he.Component
	}
	if he.Path != "" {
		fields["path"] = he.Path
	}
	fields["type"] = string(he.Type)
	fields["code"] = he.Code
	fields["recoverable"] = he.Recoverable

	return fields
}

// IsFatalError reports whether err keeps hotwatch from starting: bad
// configuration, an unusable watch root or a port that cannot be bound.
// Errors from components that are already running are never fatal.
func IsFatalError(err error) bool {
	if IsType(err, ErrorTypeConfig) {
		return true
	}
	var he *HotwatchError
	if errors.As(err, &he) {
		return he.Code == ErrCodeBind || he.Code == ErrCodeWatchInit
	}
	return false
}
