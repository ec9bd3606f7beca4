// Package matcherrors provides sentinel and custom error types for the matching engine.
package matcherrors

// ErrValidation represents a validation error.
// Use when caller input fails validation; never retried.
var ErrValidation = &ValidationError{}

// ValidationError is a sentinel error for validation failures.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a new ValidationError with a custom message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Field != "" {
		return "validation failed for field: " + e.Field
	}

	return "validation error"
}

// Is implements the error interface for error comparison.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)

	return ok
}

// ErrEncoding is the sentinel for embedding-provider failures.
// Use when text cannot be turned into a vector (bad input or upstream failure).
var ErrEncoding = &EncodingError{}

// EncodingError is a sentinel error for embedding failures.
type EncodingError struct {
	Message string
	Cause   error
}

// NewEncodingError creates an EncodingError wrapping an underlying cause.
func NewEncodingError(message string, cause error) *EncodingError {
	return &EncodingError{Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *EncodingError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "encoding failed"
	}

	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}

	return msg
}

// Unwrap returns the underlying cause.
func (e *EncodingError) Unwrap() error { return e.Cause }

// Is implements the error interface for error comparison.
func (e *EncodingError) Is(target error) bool {
	_, ok := target.(*EncodingError)

	return ok
}

// ErrRetrieval is the sentinel for candidate-retrieval failures.
// Retrieval either returns a full ranked list or this error; no partial results.
var ErrRetrieval = &RetrievalError{}

// RetrievalError is a sentinel error for retrieval failures.
type RetrievalError struct {
	Message string
	Cause   error
}

// NewRetrievalError creates a RetrievalError wrapping an underlying cause.
func NewRetrievalError(message string, cause error) *RetrievalError {
	return &RetrievalError{Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *RetrievalError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "retrieval failed"
	}

	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}

	return msg
}

// Unwrap returns the underlying cause.
func (e *RetrievalError) Unwrap() error { return e.Cause }

// Is implements the error interface for error comparison.
func (e *RetrievalError) Is(target error) bool {
	_, ok := target.(*RetrievalError)

	return ok
}

// ErrAdjudication is the sentinel for reasoning-service failures.
// Per-candidate only; degrades the verdict to uncertain, never fails the match.
var ErrAdjudication = &AdjudicationError{}

// AdjudicationError is a sentinel error for adjudication failures.
type AdjudicationError struct {
	NCTID   string
	Message string
	Cause   error
}

// NewAdjudicationError creates an AdjudicationError for the given trial.
func NewAdjudicationError(nctID, message string, cause error) *AdjudicationError {
	return &AdjudicationError{NCTID: nctID, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *AdjudicationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "adjudication failed"
	}

	if e.NCTID != "" {
		msg = msg + " for trial " + e.NCTID
	}

	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}

	return msg
}

// Unwrap returns the underlying cause.
func (e *AdjudicationError) Unwrap() error { return e.Cause }

// Is implements the error interface for error comparison.
func (e *AdjudicationError) Is(target error) bool {
	_, ok := target.(*AdjudicationError)

	return ok
}

// ErrBuild is the sentinel for index-build failures.
// A rejected build keeps the previous snapshot serving.
var ErrBuild = &BuildError{}

// BuildError is a sentinel error for index construction failures.
type BuildError struct {
	Message string
	Cause   error
}

// NewBuildError creates a BuildError with a custom message.
func NewBuildError(message string, cause error) *BuildError {
	return &BuildError{Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "index build failed"
	}

	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}

	return msg
}

// Unwrap returns the underlying cause.
func (e *BuildError) Unwrap() error { return e.Cause }

// Is implements the error interface for error comparison.
func (e *BuildError) Is(target error) bool {
	_, ok := target.(*BuildError)

	return ok
}

// ErrQuery is the sentinel for index query failures
// (uninitialized snapshot or embedding dimension mismatch).
var ErrQuery = &QueryError{}

// QueryError is a sentinel error for index query failures.
type QueryError struct {
	Message string
}

// NewQueryError creates a QueryError with a custom message.
func NewQueryError(message string) *QueryError {
	return &QueryError{Message: message}
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return "index query error"
}

// Is implements the error interface for error comparison.
func (e *QueryError) Is(target error) bool {
	_, ok := target.(*QueryError)

	return ok
}

// ErrBusy is the sentinel for backpressure rejections.
// Callers should retry later; maps to 503 at the HTTP boundary.
var ErrBusy = &BusyError{}

// BusyError is a sentinel error for capacity rejections.
type BusyError struct {
	Message string
}

// NewBusyError creates a BusyError with a custom message.
func NewBusyError(message string) *BusyError {
	return &BusyError{Message: message}
}

// Error implements the error interface.
func (e *BusyError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return "server is at capacity"
}

// Is implements the error interface for error comparison.
func (e *BusyError) Is(target error) bool {
	_, ok := target.(*BusyError)

	return ok
}
