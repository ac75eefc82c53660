package domain

import "fmt"

// Reason classifies a reconcile or agent failure. The split mirrors how the
// control plane reacts: fatal reasons are never retried, transient ones get a
// bounded backoff.
type Reason string

const (
	ReasonConfigurationMissing   Reason = "ConfigurationMissing"
	ReasonCredentialUnavailable  Reason = "CredentialUnavailable"
	ReasonConflict               Reason = "Conflict"
	ReasonPlatformTransient      Reason = "PlatformTransient"
	ReasonPipelineFailure        Reason = "PipelineFailure"
	ReasonIterationBoundExceeded Reason = "IterationBoundExceeded"
)

// ClassifiedError carries a taxonomy reason alongside the underlying cause.
type ClassifiedError struct {
	Reason Reason
	Msg    string
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Fatal reports whether the error must not be retried.
func (e *ClassifiedError) Fatal() bool {
	switch e.Reason {
	case ReasonConfigurationMissing, ReasonConflict, ReasonIterationBoundExceeded:
		return true
	}
	return false
}

// Retryable reports whether a bounded retry is appropriate.
func (e *ClassifiedError) Retryable() bool {
	switch e.Reason {
	case ReasonCredentialUnavailable, ReasonPlatformTransient:
		return true
	}
	return false
}

func Classify(reason Reason, msg string, err error) *ClassifiedError {
	return &ClassifiedError{Reason: reason, Msg: msg, Err: err}
}

func Classifyf(reason Reason, format string, args ...any) *ClassifiedError {
	return &ClassifiedError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}
