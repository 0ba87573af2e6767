// Package errors provides structured error handling for the media pipeline.
// It defines error types, sentinel errors, and utility functions used by the
// probe, transcode, compress and fetch layers to decide whether a failure is
// absorbed by the next ladder/retry step or surfaced to the caller.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error types for classification
type ErrorType string

const (
	// ErrorTypeProbe indicates the inspection tool is missing or its output unusable
	ErrorTypeProbe ErrorType = "probe"
	// ErrorTypeUnsupportedStream indicates a fetched format lacks a required stream
	ErrorTypeUnsupportedStream ErrorType = "unsupported_stream"
	// ErrorTypeInsufficientMemory indicates the memory precondition was not met
	ErrorTypeInsufficientMemory ErrorType = "insufficient_memory"
	// ErrorTypeEncode indicates encode failures, terminal only once the ladder is exhausted
	ErrorTypeEncode ErrorType = "encode"
	// ErrorTypeTimeout indicates an attempt exceeded its wall-clock budget
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeRateLimited indicates the remote source throttled us
	ErrorTypeRateLimited ErrorType = "rate_limited"
	// ErrorTypeOutputValidation indicates the encoder succeeded but produced an incompatible stream
	ErrorTypeOutputValidation ErrorType = "output_validation"
	// ErrorTypeCompress indicates target-size compression failed
	ErrorTypeCompress ErrorType = "compress"
	// ErrorTypeFetch indicates a rendition could not be fetched within its retry budget
	ErrorTypeFetch ErrorType = "fetch"
	// ErrorTypeSession indicates job/session admission errors
	ErrorTypeSession ErrorType = "session"
	// ErrorTypeValidation indicates input validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeInternal indicates internal system errors
	ErrorTypeInternal ErrorType = "internal"
)

// Sentinel errors for common scenarios
var (
	ErrToolUnavailable     = errors.New("external tool unavailable")
	ErrNoAudioStream       = errors.New("no audio stream")
	ErrInsufficientMemory  = errors.New("insufficient memory")
	ErrEncodeFailed        = errors.New("encode failed")
	ErrIncompatibleOutput  = errors.New("output streams still incompatible")
	ErrCandidatesExhausted = errors.New("all encode candidates failed")
	ErrDurationUnknown     = errors.New("duration unknown")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrRateLimited indicates upstream rate limiting
	ErrRateLimited = errors.New("rate limited by remote source")

	// ErrCancelled indicates an operation was cancelled
	ErrCancelled = errors.New("operation cancelled")

	// ErrSessionBusy indicates a job is already running for the session
	ErrSessionBusy = errors.New("session already has a running job")

	// ErrJobNotFound indicates a job ID doesn't exist
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidInput indicates invalid request parameters
	ErrInvalidInput = errors.New("invalid input")
)

// TranscodingError provides structured error information with context
type TranscodingError struct {
	Type      ErrorType              // Error classification
	Op        string                 // Operation that failed (e.g., "probe", "transcode")
	SessionID string                 // Related session ID if applicable
	Err       error                  // Underlying error
	Details   map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *TranscodingError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s error in %s for session %s: %v", e.Type, e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Type, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *TranscodingError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for sentinel errors
func (e *TranscodingError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// New creates a new TranscodingError
func New(errType ErrorType, op string, err error) *TranscodingError {
	return &TranscodingError{
		Type:    errType,
		Op:      op,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithSession adds session context to the error
func (e *TranscodingError) WithSession(sessionID string) *TranscodingError {
	e.SessionID = sessionID
	return e
}

// WithDetail adds a key-value detail to the error
func (e *TranscodingError) WithDetail(key string, value interface{}) *TranscodingError {
	e.Details[key] = value
	return e
}

// IsRetryable returns true if the error might succeed on a later attempt
func (e *TranscodingError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeRateLimited, ErrorTypeInsufficientMemory:
		return true
	case ErrorTypeProbe, ErrorTypeUnsupportedStream, ErrorTypeValidation, ErrorTypeSession:
		return false
	}
	if errors.Is(e.Err, ErrCancelled) || errors.Is(e.Err, context.Canceled) {
		return false
	}
	return e.Type == ErrorTypeEncode || e.Type == ErrorTypeFetch || e.Type == ErrorTypeInternal
}

// Error creation helpers

// ProbeFailure creates an inspection error
func ProbeFailure(op string, err error) *TranscodingError {
	return New(ErrorTypeProbe, op, err)
}

// UnsupportedStream creates an error for a format missing a required stream
func UnsupportedStream(op string, err error) *TranscodingError {
	return New(ErrorTypeUnsupportedStream, op, err)
}

// InsufficientMemory creates a memory precondition error
func InsufficientMemory(op string, availableMB, requiredMB uint64) *TranscodingError {
	return New(ErrorTypeInsufficientMemory, op,
		fmt.Errorf("%w: %d MB available, %d MB required", ErrInsufficientMemory, availableMB, requiredMB)).
		WithDetail("available_mb", availableMB).
		WithDetail("required_mb", requiredMB)
}

// EncodeFailure creates an encoding error
func EncodeFailure(op string, err error) *TranscodingError {
	return New(ErrorTypeEncode, op, err)
}

// TimeoutExceeded creates a timeout error
func TimeoutExceeded(op string, err error) *TranscodingError {
	if err == nil {
		err = ErrTimeout
	} else if !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return New(ErrorTypeTimeout, op, err)
}

// RateLimited creates a rate-limit error
func RateLimited(op string, err error) *TranscodingError {
	if err == nil {
		err = ErrRateLimited
	} else if !errors.Is(err, ErrRateLimited) {
		err = fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return New(ErrorTypeRateLimited, op, err)
}

// OutputValidationFailure creates an error for an encode that produced incompatible output
func OutputValidationFailure(op string, err error) *TranscodingError {
	return New(ErrorTypeOutputValidation, op, err)
}

// CompressFailure creates a compression error
func CompressFailure(op string, err error) *TranscodingError {
	return New(ErrorTypeCompress, op, err)
}

// FetchFailure creates a fetch error
func FetchFailure(op string, err error) *TranscodingError {
	return New(ErrorTypeFetch, op, err)
}

// SessionError creates a session-related error
func SessionError(op string, err error) *TranscodingError {
	return New(ErrorTypeSession, op, err)
}

// ValidationError creates a validation error
func ValidationError(op string, err error) *TranscodingError {
	return New(ErrorTypeValidation, op, err)
}

// InternalError creates an internal system error
func InternalError(op string, err error) *TranscodingError {
	return New(ErrorTypeInternal, op, err)
}

// Wrap wraps an error with operation context if it's not already a TranscodingError
func Wrap(err error, errType ErrorType, op string) error {
	if err == nil {
		return nil
	}

	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return err
	}

	return New(errType, op, err)
}

// GetType extracts the error type from an error
func GetType(err error) ErrorType {
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return tErr.Type
	}
	return ErrorTypeInternal
}

// GetOperation extracts the operation from an error
func GetOperation(err error) string {
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return tErr.Op
	}
	return "unknown"
}

// GetDetails extracts error details
func GetDetails(err error) map[string]interface{} {
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return tErr.Details
	}
	return nil
}

// IsRetryable reports whether err should drive another retry step.
// Plain errors are retryable unless they are cancellations.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return tErr.IsRetryable()
	}
	return true
}

// IsRateLimited reports whether err carries a rate-limit classification.
func IsRateLimited(err error) bool {
	return GetType(err) == ErrorTypeRateLimited || errors.Is(err, ErrRateLimited)
}

var rateLimitMarkers = []string{"429", "rate limit", "too many requests"}

// LooksRateLimited matches the remote tool's rate-limit wording.
func LooksRateLimited(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ClassifyFetchError maps a failed fetch and the tool output that accompanied
// it onto the taxonomy. Context deadline becomes TimeoutExceeded, caller
// cancellation stays a cancellation and everything else is a FetchFailure.
func ClassifyFetchError(op string, err error, output string) error {
	if err == nil {
		return nil
	}
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return New(ErrorTypeFetch, op, fmt.Errorf("%w: %v", ErrCancelled, err))
	case errors.Is(err, context.DeadlineExceeded):
		return TimeoutExceeded(op, err)
	case LooksRateLimited(output) || LooksRateLimited(err.Error()):
		return RateLimited(op, err)
	}
	return FetchFailure(op, err)
}
