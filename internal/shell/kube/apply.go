package kube

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
)

// ApplyAction is what Apply did to one object.
type ApplyAction string

const (
	ApplyCreated    ApplyAction = "created"
	ApplyConfigured ApplyAction = "configured"
	ApplyUnchanged  ApplyAction = "unchanged"
)

// AppliedObject reports the outcome for one manifest object.
type AppliedObject struct {
	Kind      string
	Namespace string
	Name      string
	Action    ApplyAction
}

func (o AppliedObject) String() string {
	if o.Namespace == "" {
		return fmt.Sprintf("%s/%s %s", o.Kind, o.Name, o.Action)
	}
	return fmt.Sprintf("%s/%s/%s %s", o.Kind, o.Namespace, o.Name, o.Action)
}

// ApplyResult lists the outcome per object, in manifest order.
type ApplyResult struct {
	Objects []AppliedObject
}

// Changed reports whether any object was created or configured.
func (r ApplyResult) Changed() bool {
	for _, o := range r.Objects {
		if o.Action != ApplyUnchanged {
			return true
		}
	}
	return false
}

// Apply creates absent objects and merge-patches existing ones from the
// content recorded in LastAppliedAnnotation to the desired content. Objects
// whose desired content equals the recorded content are not touched, so
// applying the same manifest twice changes nothing the second time.
func (c *Client) Apply(ctx context.Context, objs []*unstructured.Unstructured) (ApplyResult, error) {
	var result ApplyResult
	for _, obj := range objs {
		applied, err := c.applyOne(ctx, obj.DeepCopy())
		if err != nil {
			return result, err
		}
		c.logger.Info("object applied", "object", applied.String())
		result.Objects = append(result.Objects, applied)
	}
	return result, nil
}

func (c *Client) applyOne(ctx context.Context, obj *unstructured.Unstructured) (AppliedObject, error) {
	gvk := obj.GroupVersionKind()
	applied := AppliedObject{Kind: gvk.Kind, Name: obj.GetName()}

	mapping, err := c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return applied, NewKubeError("Apply", gvk.Kind, "", obj.GetName(), fmt.Sprintf("resolve resource: %v", err), err)
	}

	var ri dynamic.ResourceInterface
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		obj.SetNamespace(c.ns(obj.GetNamespace()))
		applied.Namespace = obj.GetNamespace()
		ri = c.dynamic.Resource(mapping.Resource).Namespace(obj.GetNamespace())
	} else {
		obj.SetNamespace("")
		ri = c.dynamic.Resource(mapping.Resource)
	}

	desired, err := lastAppliedContent(obj)
	if err != nil {
		return applied, NewKubeError("Apply", gvk.Kind, applied.Namespace, obj.GetName(), err.Error(), ErrInvalidManifest)
	}
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[LastAppliedAnnotation] = string(desired)
	obj.SetAnnotations(annotations)

	existing, err := ri.Get(ctx, obj.GetName(), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := ri.Create(ctx, obj, metav1.CreateOptions{FieldManager: FieldManager}); err != nil {
			return applied, NewKubeError("Apply", gvk.Kind, applied.Namespace, obj.GetName(), fmt.Sprintf("create: %v", err), err)
		}
		applied.Action = ApplyCreated
		return applied, nil
	}
	if err != nil {
		return applied, NewKubeError("Apply", gvk.Kind, applied.Namespace, obj.GetName(), fmt.Sprintf("get: %v", err), err)
	}

	previous := []byte("{}")
	if recorded, ok := existing.GetAnnotations()[LastAppliedAnnotation]; ok && recorded != "" {
		if recorded == string(desired) {
			applied.Action = ApplyUnchanged
			return applied, nil
		}
		previous = []byte(recorded)
	}

	modified, err := obj.MarshalJSON()
	if err != nil {
		return applied, NewKubeError("Apply", gvk.Kind, applied.Namespace, obj.GetName(), err.Error(), ErrInvalidManifest)
	}
	patch, err := jsonpatch.CreateMergePatch(previous, modified)
	if err != nil {
		return applied, NewKubeError("Apply", gvk.Kind, applied.Namespace, obj.GetName(), fmt.Sprintf("compute patch: %v", err), err)
	}

	patchMap := map[string]any{}
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return applied, NewKubeError("Apply", gvk.Kind, applied.Namespace, obj.GetName(), fmt.Sprintf("decode patch: %v", err), err)
	}
	if len(patchMap) == 0 {
		applied.Action = ApplyUnchanged
		return applied, nil
	}

	if _, err := ri.Patch(ctx, obj.GetName(), types.MergePatchType, patch, metav1.PatchOptions{FieldManager: FieldManager}); err != nil {
		return applied, NewKubeError("Apply", gvk.Kind, applied.Namespace, obj.GetName(), fmt.Sprintf("patch: %v", err), err)
	}
	applied.Action = ApplyConfigured
	return applied, nil
}

// lastAppliedContent is the object's JSON without the annotation itself.
func lastAppliedContent(obj *unstructured.Unstructured) ([]byte, error) {
	clean := obj.DeepCopy()
	annotations := clean.GetAnnotations()
	delete(annotations, LastAppliedAnnotation)
	if len(annotations) == 0 {
		unstructured.RemoveNestedField(clean.Object, "metadata", "annotations")
	} else {
		clean.SetAnnotations(annotations)
	}
	return clean.MarshalJSON()
}
