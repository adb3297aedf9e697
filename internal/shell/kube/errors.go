package kube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/artpar/promoter/internal/core/domain"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Manifest errors
	ErrInvalidManifest = errors.New("invalid manifest")
	ErrEmptyManifest   = errors.New("manifest contains no objects")

	// Workload errors
	ErrWorkloadNotFound  = errors.New("deployment not found")
	ErrContainerNotFound = errors.New("container not found in pod template")

	// Rollout errors
	ErrRolloutTimeout = errors.New("rollout did not converge before timeout")
	ErrRolloutFailed  = errors.New("rollout failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid kubernetes client configuration")
)

// KubeError wraps errors with additional context.
type KubeError struct {
	Op        string // Operation that failed
	Kind      string // Object kind, e.g. Deployment
	Namespace string
	Name      string
	Message   string
	Err       error
}

func (e *KubeError) Error() string {
	switch {
	case e.Name != "" && e.Namespace != "":
		return fmt.Sprintf("%s %s %s/%s: %s", e.Op, e.Kind, e.Namespace, e.Name, e.Message)
	case e.Name != "":
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Kind, e.Name, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *KubeError) Unwrap() error {
	return e.Err
}

// NewKubeError creates a new KubeError.
func NewKubeError(op, kind, namespace, name, message string, err error) *KubeError {
	return &KubeError{
		Op:        op,
		Kind:      kind,
		Namespace: namespace,
		Name:      name,
		Message:   message,
		Err:       err,
	}
}

// =============================================================================
// Classification
// =============================================================================

// Classify maps a Kubernetes client error onto the deploy error kinds.
func Classify(err error) domain.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRolloutTimeout):
		return domain.ErrorKindRolloutTimeout
	case errors.Is(err, context.Canceled):
		return domain.ErrorKindPermanent
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return domain.ErrorKindAuth
	case isTransientError(err):
		return domain.ErrorKindTransient
	default:
		return domain.ErrorKindPermanent
	}
}

func isTransientError(err error) bool {
	if apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsConflict(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
