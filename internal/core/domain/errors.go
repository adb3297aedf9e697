package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Deploy Errors
// =============================================================================

// ErrorKind classifies a deploy failure for retry and reporting decisions.
type ErrorKind string

const (
	// ErrorKindAuth means the target rejected the credentials. Never retried.
	ErrorKindAuth ErrorKind = "auth_failure"
	// ErrorKindTransient covers network and availability failures. Retried with backoff.
	ErrorKindTransient ErrorKind = "transient_network_error"
	// ErrorKindRolloutTimeout means convergence was not observed in time. Never retried.
	ErrorKindRolloutTimeout ErrorKind = "rollout_timeout"
	// ErrorKindPermanent is any other failure that a retry cannot fix.
	ErrorKindPermanent ErrorKind = "permanent"
)

var (
	ErrAuthFailure      = errors.New("credentials rejected")
	ErrTransientNetwork = errors.New("transient network error")
	ErrRolloutTimeout   = errors.New("rollout did not converge before timeout")
)

// DeployError wraps a target failure with its classification.
type DeployError struct {
	Op      string // e.g. "UpsertService", "ApplyManifest"
	Target  Target
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *DeployError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Target, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels so callers can write errors.Is(err, ErrAuthFailure).
func (e *DeployError) Is(target error) bool {
	switch target {
	case ErrAuthFailure:
		return e.Kind == ErrorKindAuth
	case ErrTransientNetwork:
		return e.Kind == ErrorKindTransient
	case ErrRolloutTimeout:
		return e.Kind == ErrorKindRolloutTimeout
	}
	return false
}

// NewDeployError creates a new DeployError.
func NewDeployError(op string, target Target, kind ErrorKind, message string, err error) *DeployError {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &DeployError{
		Op:      op,
		Target:  target,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the classification carried by err. Unclassified errors are permanent.
func KindOf(err error) ErrorKind {
	var de *DeployError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrorKindPermanent
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == ErrorKindTransient
}
