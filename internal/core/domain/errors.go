package domain

import (
	"errors"
	"fmt"
)

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates authentication failed or missing
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenExpired indicates the auth token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid indicates the auth token is malformed or invalid
	ErrTokenInvalid = errors.New("token invalid")

	// ErrInvalidCredentials indicates a wrong client id/secret combination
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrServiceUnavailable indicates an external service could not be reached
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrBusy indicates another worker holds the resource
	ErrBusy = errors.New("resource busy")

	// ErrIndexNotLoaded indicates the guideline corpus has not been loaded yet
	ErrIndexNotLoaded = errors.New("guideline index not loaded")
)

// Pipeline failure reasons. These are wrapped by *Failure and surface as the
// reason of a terminal event.
var (
	ErrUnsupportedFormat     = errors.New("UnsupportedFormat")
	ErrEmptyInput            = errors.New("EmptyInput")
	ErrInvalidResponse       = errors.New("InvalidResponse")
	ErrTimeout               = errors.New("Timeout")
	ErrNoAvailability        = errors.New("NoAvailability")
	ErrSchedulingUnavailable = errors.New("SchedulingUnavailable")
	ErrRetryExhausted        = errors.New("RetryExhausted")
	ErrAttachmentUnavailable = errors.New("AttachmentUnavailable")
	ErrCancelled             = errors.New("Cancelled")
)

// FailureKind is the machine-readable class of a stage failure.
type FailureKind string

const (
	// FailureTransient covers network errors, timeouts and rate limits. Retried with backoff.
	FailureTransient FailureKind = "TransientFailure"

	// FailureInvalidResponse covers malformed external output. Retried a bounded number of times.
	FailureInvalidResponse FailureKind = "InvalidResponse"

	// FailurePermanent is never retried.
	FailurePermanent FailureKind = "PermanentFailure"
)

// Failure is the typed error every pipeline component reports.
// Components never decide on retries; the orchestrator does, based on Kind.
type Failure struct {
	Kind   FailureKind
	Reason string
	Stage  Stage
	Err    error
}

func (f *Failure) Error() string {
	if f.Stage != "" {
		return fmt.Sprintf("%s: %s (%s): %v", f.Stage, f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s (%s): %v", f.Kind, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retriable reports whether the orchestrator may try the stage again.
func (f *Failure) Retriable() bool {
	return f.Kind != FailurePermanent
}

// NewTransientFailure wraps err as a retriable transient failure.
func NewTransientFailure(err error) *Failure {
	reason := "TransientFailure"
	if errors.Is(err, ErrTimeout) {
		reason = ErrTimeout.Error()
	}
	return &Failure{Kind: FailureTransient, Reason: reason, Err: err}
}

// NewInvalidResponse wraps a malformed-output error.
func NewInvalidResponse(format string, args ...any) *Failure {
	return &Failure{
		Kind:   FailureInvalidResponse,
		Reason: ErrInvalidResponse.Error(),
		Err:    fmt.Errorf("%w: %s", ErrInvalidResponse, fmt.Sprintf(format, args...)),
	}
}

// NewPermanentFailure wraps one of the pipeline sentinels as a permanent failure.
// The reason is taken from the first sentinel in the chain.
func NewPermanentFailure(err error) *Failure {
	return &Failure{Kind: FailurePermanent, Reason: reasonOf(err), Err: err}
}

// AsFailure extracts a *Failure from err, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

var reasonSentinels = []error{
	ErrUnsupportedFormat,
	ErrEmptyInput,
	ErrSchedulingUnavailable,
	ErrNoAvailability,
	ErrAttachmentUnavailable,
	ErrCancelled,
	ErrRetryExhausted,
	ErrInvalidResponse,
	ErrTimeout,
}

func reasonOf(err error) string {
	for _, s := range reasonSentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return string(FailurePermanent)
}
