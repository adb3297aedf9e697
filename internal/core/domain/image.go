package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// =============================================================================
// Image Reference
// =============================================================================

// ErrInvalidImageRef is returned when an image reference cannot be parsed or
// is not fully qualified.
var ErrInvalidImageRef = errors.New("invalid image reference")

// ImageRef is an immutable, fully qualified container image reference
// (registry/repository:tag or registry/repository@digest).
//
// The zero value is not a valid reference; construct one with ParseImageRef.
type ImageRef struct {
	registry   string
	repository string
	tag        string
	digest     string
}

// ParseImageRef parses and validates an image reference.
//
// The registry and the tag or digest must be explicit: a pipeline promotes the
// exact artifact it built, so implicit "latest" tags and registry defaulting are
// rejected.
//
// Example:
//
//	ref, _ := ParseImageRef("registry.example/app:v1")
//	ref.Registry()   // "registry.example"
//	ref.Repository() // "app"
//	ref.Identifier() // "v1"
func ParseImageRef(s string) (ImageRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ImageRef{}, fmt.Errorf("%w: empty reference", ErrInvalidImageRef)
	}

	parsed, err := name.ParseReference(s, name.StrictValidation)
	if err != nil {
		return ImageRef{}, fmt.Errorf("%w: %s: %v", ErrInvalidImageRef, s, err)
	}

	ref := ImageRef{
		registry:   parsed.Context().RegistryStr(),
		repository: parsed.Context().RepositoryStr(),
	}
	switch r := parsed.(type) {
	case name.Tag:
		ref.tag = r.TagStr()
	case name.Digest:
		ref.digest = r.DigestStr()
	}

	return ref, nil
}

// MustParseImageRef is like ParseImageRef but panics on error. Intended for
// tests and constants.
func MustParseImageRef(s string) ImageRef {
	ref, err := ParseImageRef(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// Registry returns the registry host, e.g. "registry.example".
func (r ImageRef) Registry() string { return r.registry }

// Repository returns the repository path within the registry.
func (r ImageRef) Repository() string { return r.repository }

// Tag returns the tag, or "" for digest references.
func (r ImageRef) Tag() string { return r.tag }

// Digest returns the digest, or "" for tag references.
func (r ImageRef) Digest() string { return r.digest }

// Identifier returns the tag or digest that pins the reference.
func (r ImageRef) Identifier() string {
	if r.digest != "" {
		return r.digest
	}
	return r.tag
}

// IsZero reports whether r is the zero value.
func (r ImageRef) IsZero() bool {
	return r.registry == "" && r.repository == ""
}

// String returns the fully qualified reference.
func (r ImageRef) String() string {
	if r.IsZero() {
		return ""
	}
	base := r.registry + "/" + r.repository
	if r.digest != "" {
		return base + "@" + r.digest
	}
	return base + ":" + r.tag
}

// MarshalText implements encoding.TextMarshaler.
func (r ImageRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input yields the
// zero value.
func (r *ImageRef) UnmarshalText(text []byte) error {
	if len(strings.TrimSpace(string(text))) == 0 {
		*r = ImageRef{}
		return nil
	}
	parsed, err := ParseImageRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
