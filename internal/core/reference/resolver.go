// Package reference provides pure functions for resolving and validating
// container image references. No I/O, values in and out.
package reference

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/go-containerregistry/pkg/name"
)

// ErrInvalidReference is returned when a reference component is empty,
// contains whitespace, or violates the registry naming grammar.
var ErrInvalidReference = errors.New("invalid image reference")

// ImageReference identifies a single pullable image. All three fields are
// always populated; a reference with a missing tag is rejected at resolve
// time rather than defaulted to a mutable tag like "latest", because the
// ledger uses references as rollback targets.
type ImageReference struct {
	Registry   string `json:"registry"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// String renders the fully-qualified pullable form: registry/repository:tag.
func (r ImageReference) String() string {
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
}

// IsZero reports whether the reference is unset.
func (r ImageReference) IsZero() bool {
	return r.Registry == "" && r.Repository == "" && r.Tag == ""
}

// Equal reports whether two references identify the same image.
func (r ImageReference) Equal(other ImageReference) bool {
	return r == other
}

// Resolve validates the components and produces a fully-qualified reference.
// It is deterministic: equal inputs always yield equal references.
func Resolve(registry, repository, tag string) (ImageReference, error) {
	for _, c := range []struct {
		field string
		value string
	}{
		{"registry", registry},
		{"repository", repository},
		{"tag", tag},
	} {
		if c.value == "" {
			return ImageReference{}, fmt.Errorf("%w: %s must not be empty", ErrInvalidReference, c.field)
		}
		if containsWhitespace(c.value) {
			return ImageReference{}, fmt.Errorf("%w: %s %q contains whitespace", ErrInvalidReference, c.field, c.value)
		}
	}

	if _, err := name.NewRegistry(registry, name.StrictValidation); err != nil {
		return ImageReference{}, fmt.Errorf("%w: registry %q: %v", ErrInvalidReference, registry, err)
	}

	// The repository grammar is lowercase-only; image names are case
	// insensitive in practice, so normalize instead of rejecting.
	repository = strings.ToLower(repository)

	// Validate repository and tag together against the registry grammar.
	// The default registry is cleared so the repository is never silently
	// qualified with docker.io, and the default tag is cleared so an empty
	// tag can never slip through as "latest".
	if _, err := name.NewTag(
		fmt.Sprintf("%s:%s", repository, tag),
		name.WithDefaultRegistry(""),
		name.WithDefaultTag(""),
	); err != nil {
		return ImageReference{}, fmt.Errorf("%w: %s:%s: %v", ErrInvalidReference, repository, tag, err)
	}

	return ImageReference{
		Registry:   registry,
		Repository: repository,
		Tag:        tag,
	}, nil
}

func containsWhitespace(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) {
			return true
		}
	}
	return false
}
