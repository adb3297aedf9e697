package kube

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/artpar/promoter/internal/core/rollout"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
)

// WaitForRollout polls the named Deployment until its rollout converges.
//
// It returns an error wrapping ErrRolloutTimeout when timeout elapses first,
// ErrRolloutFailed when the controller reports a stalled rollout, and the
// context error when ctx is cancelled. Transient read errors keep polling.
func (c *Client) WaitForRollout(ctx context.Context, namespace, name string, interval, timeout time.Duration) error {
	namespace = c.ns(namespace)
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ri := c.deployments(namespace)

	var last rollout.Status
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		u, err := ri.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return false, NewKubeError("WaitForRollout", "Deployment", namespace, name, "not found", ErrWorkloadNotFound)
		}
		if err != nil {
			if Classify(err) == domain.ErrorKindTransient {
				c.logger.Warn("rollout status read failed", "namespace", namespace, "name", name, "error", err)
				return false, nil
			}
			return false, err
		}

		d, err := toDeployment(u)
		if err != nil {
			return false, NewKubeError("WaitForRollout", "Deployment", namespace, name, err.Error(), ErrInvalidManifest)
		}

		last = rollout.Evaluate(d)
		if last.Failed {
			return false, NewKubeError("WaitForRollout", "Deployment", namespace, name, last.Message, ErrRolloutFailed)
		}
		if !last.Done {
			c.logger.Debug("rollout in progress", "namespace", namespace, "name", name, "status", last.Message)
		}
		return last.Done, nil
	})

	switch {
	case err == nil:
		c.logger.Info("rollout converged", "namespace", namespace, "name", name)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case wait.Interrupted(err):
		msg := "rollout did not converge within " + timeout.String()
		if last.Message != "" {
			msg += ": " + last.Message
		}
		return NewKubeError("WaitForRollout", "Deployment", namespace, name, msg, ErrRolloutTimeout)
	}

	var ke *KubeError
	if asKubeError(err, &ke) {
		return err
	}
	return NewKubeError("WaitForRollout", "Deployment", namespace, name, err.Error(), err)
}

func asKubeError(err error, target **KubeError) bool {
	return errors.As(err, target)
}
