// Package ociref parses and validates "<name>:<tag>" / "<name>@sha256:<hex>"
// image specs (spec.md §4.5 step 1, §7 InvalidImageSpec).
package ociref

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// Ref is a parsed image reference.
type Ref struct {
	named      reference.Named
	repository string
	tag        string
	digest     string
}

// Repository returns the normalized repository path (e.g. "library/alpine").
func (r Ref) Repository() string { return r.repository }

// Tag returns the tag, or "" when the reference pins a digest instead.
func (r Ref) Tag() string { return r.tag }

// Digest returns the pinned digest, or "" when the reference uses a tag.
func (r Ref) Digest() string { return r.digest }

// String returns the normalized "repository:tag" or "repository@digest" form.
func (r Ref) String() string {
	if r.digest != "" {
		return r.repository + "@" + r.digest
	}
	return r.repository + ":" + r.tag
}

// Parse validates image against spec.md's "<name>:<tag>" contract. A bare
// "name@sha256:<hex>" digest reference is also accepted since the registry
// wire protocol (spec.md §6) treats tags and digests interchangeably as the
// manifest GET's <reference> path segment.
func Parse(image string) (Ref, error) {
	if strings.TrimSpace(image) == "" {
		return Ref{}, fmt.Errorf("invalid image spec: empty")
	}

	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid image spec %q: %w", image, err)
	}

	ref := Ref{named: named, repository: reference.Path(named)}

	if canonical, ok := named.(reference.Canonical); ok {
		ref.digest = canonical.Digest().String()
		return ref, nil
	}

	tagged, ok := named.(reference.Tagged)
	if !ok {
		return Ref{}, fmt.Errorf("invalid image spec %q: missing tag", image)
	}
	ref.tag = tagged.Tag()
	return ref, nil
}
