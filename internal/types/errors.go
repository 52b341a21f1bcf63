package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// Pipeline stages and handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidFacet    ErrorCode = "validation_invalid_facet"
	ErrCodeValidationInvalidWindow   ErrorCode = "validation_invalid_window"
	ErrCodeValidationInvalidGrid     ErrorCode = "validation_invalid_grid"
	ErrCodeValidationInvalidLocation ErrorCode = "validation_invalid_location"
	ErrCodeValidationDiagnostic      ErrorCode = "validation_unknown_diagnostic"
	ErrCodeValidationFrequency       ErrorCode = "validation_unsupported_frequency"
	ErrCodeValidationInvalidBins     ErrorCode = "validation_invalid_bins"
	ErrCodeValidationInvalidRequest  ErrorCode = "validation_invalid_request"

	// Per-record / per-model pipeline failures (422).
	// These are converted into skip-with-reason at the model boundary and
	// never abort a batch.
	ErrCodeMissingCoordinate    ErrorCode = "missing_coordinate"
	ErrCodeMissingExperiment    ErrorCode = "missing_experiment"
	ErrCodeMissingVariable      ErrorCode = "missing_variable"
	ErrCodeMissingUnits         ErrorCode = "missing_units"
	ErrCodeIncompatibleUnits    ErrorCode = "incompatible_units"
	ErrCodeMergeConflict        ErrorCode = "merge_conflict"
	ErrCodeInterpolationFailure ErrorCode = "interpolation_failure"
	ErrCodeInsufficientData     ErrorCode = "insufficient_data"
	ErrCodeDegenerateFit        ErrorCode = "degenerate_fit"
	ErrCodeUnsupportedEncoding  ErrorCode = "unsupported_encoding"
	ErrCodeUnsupportedCalendar  ErrorCode = "unsupported_calendar"

	// Not Found (404)
	ErrCodeNotFoundRun    ErrorCode = "not_found_run"
	ErrCodeNotFoundObject ErrorCode = "not_found_object"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB           ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected   ErrorCode = "internal_unexpected_error"
	ErrCodeInternalCorruptStore ErrorCode = "internal_corrupt_store"
	ErrCodeUpstreamStore        ErrorCode = "upstream_store_unavailable"
	ErrCodeUpstreamQueue        ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamCircuitOpen  ErrorCode = "upstream_circuit_open"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "missing_"),
		c == ErrCodeMergeConflict,
		c == ErrCodeIncompatibleUnits,
		c == ErrCodeInterpolationFailure,
		c == ErrCodeInsufficientData,
		c == ErrCodeDegenerateFit,
		strings.HasPrefix(s, "unsupported_"):
		return http.StatusUnprocessableEntity // 422
	case c == ErrCodeUpstreamCircuitOpen:
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the module.
// All domain and handler errors should be expressed as AppError to enable
// consistent failure records, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Is reports whether target is an AppError with the same code. This lets
// callers write errors.Is(err, &types.AppError{Code: types.ErrCodeDegenerateFit}).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from an error chain. Errors that are not
// AppErrors are reported as internal_unexpected_error so that every failure
// lands in a counted bucket.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
