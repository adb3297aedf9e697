package kube

import (
	"context"
	"fmt"

	"github.com/artpar/promoter/internal/core/rollout"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/util/retry"
)

// SetImage points container of the named Deployment at image. An empty
// container selects the only container of the pod template. It reports
// whether the Deployment was changed; setting the image it already runs is a
// no-op.
func (c *Client) SetImage(ctx context.Context, namespace, name, container, image string) (bool, error) {
	namespace = c.ns(namespace)
	ri := c.deployments(namespace)

	changed := false
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		u, err := ri.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return NewKubeError("SetImage", "Deployment", namespace, name, "not found", ErrWorkloadNotFound)
		}
		if err != nil {
			return err
		}

		d, err := toDeployment(u)
		if err != nil {
			return NewKubeError("SetImage", "Deployment", namespace, name, err.Error(), ErrInvalidManifest)
		}

		target := container
		if target == "" {
			target = rollout.DefaultContainer(d.Spec.Template.Spec.Containers)
			if target == "" {
				return NewKubeError("SetImage", "Deployment", namespace, name,
					"pod template has several containers; a container name is required", ErrContainerNotFound)
			}
		}

		current := rollout.ContainerImage(d, target)
		if current == "" {
			return NewKubeError("SetImage", "Deployment", namespace, name,
				fmt.Sprintf("container %q", target), ErrContainerNotFound)
		}
		if current == image {
			changed = false
			return nil
		}

		containers, _, err := unstructured.NestedSlice(u.Object, "spec", "template", "spec", "containers")
		if err != nil {
			return NewKubeError("SetImage", "Deployment", namespace, name, err.Error(), ErrInvalidManifest)
		}
		for i := range containers {
			m, ok := containers[i].(map[string]any)
			if ok && m["name"] == target {
				m["image"] = image
			}
		}
		if err := unstructured.SetNestedSlice(u.Object, containers, "spec", "template", "spec", "containers"); err != nil {
			return NewKubeError("SetImage", "Deployment", namespace, name, err.Error(), ErrInvalidManifest)
		}

		if _, err := ri.Update(ctx, u, metav1.UpdateOptions{FieldManager: FieldManager}); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		var ke *KubeError
		if asKubeError(err, &ke) {
			return false, err
		}
		return false, NewKubeError("SetImage", "Deployment", namespace, name, err.Error(), err)
	}

	if changed {
		c.logger.Info("deployment image updated", "namespace", namespace, "name", name, "image", image)
	} else {
		c.logger.Info("deployment already runs image", "namespace", namespace, "name", name, "image", image)
	}
	return changed, nil
}

// CurrentImage returns the image of container in the named Deployment.
func (c *Client) CurrentImage(ctx context.Context, namespace, name, container string) (string, error) {
	namespace = c.ns(namespace)
	u, err := c.deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", NewKubeError("CurrentImage", "Deployment", namespace, name, "not found", ErrWorkloadNotFound)
	}
	if err != nil {
		return "", NewKubeError("CurrentImage", "Deployment", namespace, name, err.Error(), err)
	}
	d, err := toDeployment(u)
	if err != nil {
		return "", NewKubeError("CurrentImage", "Deployment", namespace, name, err.Error(), ErrInvalidManifest)
	}
	if container == "" {
		container = rollout.DefaultContainer(d.Spec.Template.Spec.Containers)
	}
	return rollout.ContainerImage(d, container), nil
}

func toDeployment(u *unstructured.Unstructured) (*appsv1.Deployment, error) {
	var d appsv1.Deployment
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.UnstructuredContent(), &d); err != nil {
		return nil, fmt.Errorf("decode deployment: %w", err)
	}
	return &d, nil
}
