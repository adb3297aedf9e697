// Package rollout contains pure functions that decide whether a Kubernetes
// Deployment rollout has converged.
//
// The rules follow `kubectl rollout status`:
//
//  1. The controller must have observed the latest spec generation.
//  2. A Progressing condition with reason ProgressDeadlineExceeded fails the rollout.
//  3. All desired replicas must be updated.
//  4. No old replicas may remain.
//  5. All updated replicas must be available.
package rollout

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
)

// ReasonProgressDeadlineExceeded is set on the Progressing condition by the
// deployment controller when a rollout stalls.
const ReasonProgressDeadlineExceeded = "ProgressDeadlineExceeded"

// Status is the evaluated state of a rollout.
type Status struct {
	Done    bool
	Failed  bool
	Message string
}

// Evaluate reports the rollout state of d.
func Evaluate(d *appsv1.Deployment) Status {
	if d == nil {
		return Status{Message: "deployment not found"}
	}

	// A paused Deployment never progresses; waiting would only end in a timeout.
	if d.Spec.Paused {
		return Status{
			Failed:  true,
			Message: fmt.Sprintf("deployment %q is paused", d.Name),
		}
	}

	if d.Generation > d.Status.ObservedGeneration {
		return Status{Message: "waiting for deployment spec update to be observed"}
	}

	if cond := progressingCondition(d.Status.Conditions); cond != nil &&
		cond.Reason == ReasonProgressDeadlineExceeded {
		return Status{
			Failed:  true,
			Message: fmt.Sprintf("deployment %q exceeded its progress deadline", d.Name),
		}
	}

	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}

	if d.Status.UpdatedReplicas < desired {
		return Status{Message: fmt.Sprintf(
			"waiting for rollout to finish: %d out of %d new replicas have been updated",
			d.Status.UpdatedReplicas, desired)}
	}
	if d.Status.Replicas > d.Status.UpdatedReplicas {
		return Status{Message: fmt.Sprintf(
			"waiting for rollout to finish: %d old replicas are pending termination",
			d.Status.Replicas-d.Status.UpdatedReplicas)}
	}
	if d.Status.AvailableReplicas < d.Status.UpdatedReplicas {
		return Status{Message: fmt.Sprintf(
			"waiting for rollout to finish: %d of %d updated replicas are available",
			d.Status.AvailableReplicas, d.Status.UpdatedReplicas)}
	}

	return Status{
		Done:    true,
		Message: fmt.Sprintf("deployment %q successfully rolled out", d.Name),
	}
}

func progressingCondition(conds []appsv1.DeploymentCondition) *appsv1.DeploymentCondition {
	for i := range conds {
		if conds[i].Type == appsv1.DeploymentProgressing {
			return &conds[i]
		}
	}
	return nil
}

// ContainerImage returns the image of the named container in d's pod
// template, or "" if there is no such container.
func ContainerImage(d *appsv1.Deployment, container string) string {
	if d == nil {
		return ""
	}
	for _, c := range d.Spec.Template.Spec.Containers {
		if c.Name == container {
			return c.Image
		}
	}
	return ""
}

// DefaultContainer picks the container to patch when none is named: the only
// container, or "" when the pod template has several.
func DefaultContainer(containers []corev1.Container) string {
	if len(containers) == 1 {
		return containers[0].Name
	}
	return ""
}
