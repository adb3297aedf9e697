package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/artpar/promoter/internal/core/domain"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"
	"golang.org/x/crypto/ssh/knownhosts"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Service errors
	ErrServiceNotFound = errors.New("service not found")
	ErrNoContainerSpec = errors.New("service has no container spec")

	// Connection errors
	ErrConnectionFailed = errors.New("swarm manager connection failed")
	ErrAuthFailed       = errors.New("swarm manager rejected credentials")
	ErrInvalidKey       = errors.New("invalid SSH private key")
	ErrMissingHost      = errors.New("swarm manager host is required")
)

// SwarmError wraps errors with additional context.
type SwarmError struct {
	Op      string // Operation that failed
	Service string // Service name if applicable
	Message string
	Err     error
}

func (e *SwarmError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s service %s: %s", e.Op, e.Service, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *SwarmError) Unwrap() error {
	return e.Err
}

// NewSwarmError creates a new SwarmError.
func NewSwarmError(op, service, message string, err error) *SwarmError {
	return &SwarmError{
		Op:      op,
		Service: service,
		Message: message,
		Err:     err,
	}
}

// =============================================================================
// Classification
// =============================================================================

// Classify maps a swarm client error onto the deploy error kinds.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return domain.ErrorKindPermanent
	}
	if isAuthError(err) {
		return domain.ErrorKindAuth
	}
	if isTransientError(err) {
		return domain.ErrorKindTransient
	}
	return domain.ErrorKindPermanent
}

func isAuthError(err error) bool {
	if errors.Is(err, ErrAuthFailed) || cerrdefs.IsUnauthorized(err) || cerrdefs.IsPermissionDenied(err) {
		return true
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "knownhosts: key mismatch") ||
		strings.Contains(msg, "knownhosts: key is unknown")
}

func isTransientError(err error) bool {
	if errors.Is(err, ErrConnectionFailed) ||
		client.IsErrConnectionFailed(err) ||
		cerrdefs.IsUnavailable(err) ||
		cerrdefs.IsResourceExhausted(err) ||
		cerrdefs.IsDeadlineExceeded(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Concurrent writers bump the service version between inspect and update.
	return strings.Contains(err.Error(), "update out of sequence")
}
