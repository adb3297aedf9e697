package kube

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/yaml"
)

// ParseManifest decodes a multi-document YAML or JSON manifest. Empty
// documents are skipped; every object needs apiVersion, kind and
// metadata.name.
func ParseManifest(data []byte) ([]*unstructured.Unstructured, error) {
	decoder := yaml.NewYAMLOrJSONDecoder(bytes.NewReader(data), 4096)

	var objs []*unstructured.Unstructured
	for i := 0; ; i++ {
		var raw map[string]any
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, NewKubeError("ParseManifest", "", "", "", fmt.Sprintf("document %d: %v", i, err), ErrInvalidManifest)
		}
		if len(raw) == 0 {
			continue
		}

		obj := &unstructured.Unstructured{Object: raw}
		switch {
		case obj.GetAPIVersion() == "":
			return nil, NewKubeError("ParseManifest", "", "", "", fmt.Sprintf("document %d: apiVersion is required", i), ErrInvalidManifest)
		case obj.GetKind() == "":
			return nil, NewKubeError("ParseManifest", "", "", "", fmt.Sprintf("document %d: kind is required", i), ErrInvalidManifest)
		case obj.GetName() == "":
			return nil, NewKubeError("ParseManifest", obj.GetKind(), "", "", fmt.Sprintf("document %d: metadata.name is required", i), ErrInvalidManifest)
		}
		objs = append(objs, obj)
	}

	if len(objs) == 0 {
		return nil, NewKubeError("ParseManifest", "", "", "", "no objects found", ErrEmptyManifest)
	}
	return objs, nil
}
