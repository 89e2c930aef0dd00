package errors

import (
	"errors"
	"fmt"
)

// AppError represents a structured application error
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Code:    appErr.Code,
			Message: message,
			Cause:   appErr,
		}
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with formatted additional context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// GetCode returns the error code if it's an AppError, otherwise returns "UNKNOWN"
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Predefined error codes.
//
// DataError and FitError mark one fold/group/axis as failed without aborting
// the run; aggregates are computed over the units that succeeded.
// StructuralTestUndefined marks a saturated causal model (no basis claims)
// and is distinct from a passing test.
const (
	CodeDataError               = "DATA_ERROR"
	CodeFitError                = "FIT_ERROR"
	CodeStructuralTestUndefined = "STRUCTURAL_TEST_UNDEFINED"
	CodeConfigInvalid           = "CONFIG_INVALID"
	CodeStorageError            = "STORAGE_ERROR"
	CodeNotFound                = "NOT_FOUND"
	CodeInternalError           = "INTERNAL_ERROR"
	CodeInvalidInput            = "INVALID_INPUT"
)

// WarningCode marks conditions carried on numeric results. Warnings are
// always surfaced alongside results, never dropped.
type WarningCode string

const (
	WarningGroupInstability    WarningCode = "GROUP_INSTABILITY"    // group below minimum size; low confidence
	WarningSimulationPrecision WarningCode = "SIMULATION_PRECISION" // probability near 0/1 with too few draws
	WarningGroupFallback       WarningCode = "GROUP_FALLBACK"       // per-group parameters absent, global used
	WarningRankDeficient       WarningCode = "RANK_DEFICIENT"       // design column dropped from model
	WarningLowN                WarningCode = "LOW_N"                // sample size below reporting threshold
	WarningNonConvergence      WarningCode = "NON_CONVERGENCE"      // group fit fell back to the global fit
)

// Common error constructors
func DataError(message string) *AppError {
	return New(CodeDataError, message)
}

func FitError(message string) *AppError {
	return New(CodeFitError, message)
}

// StructuralTestUndefined is returned when a hypothesized graph implies no
// basis claims. Callers must report "not applicable", not a pass.
func StructuralTestUndefined(message string) *AppError {
	return New(CodeStructuralTestUndefined, message)
}

func ConfigInvalid(message string) *AppError {
	return New(CodeConfigInvalid, message)
}

func StorageError(message string, cause error) *AppError {
	return &AppError{Code: CodeStorageError, Message: message, Cause: cause}
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

func InvalidInput(message string) *AppError {
	return New(CodeInvalidInput, message)
}
