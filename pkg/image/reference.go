// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package image

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Default components substituted into a user-supplied image string when it
// omits a server, repository namespace, or tag.
const (
	DefaultServer              = "index.docker.io"
	DefaultRepositoryNamespace = "library"
	DefaultTag                 = "latest"
)

// Reference identifies a container image the way a user names it on the
// command line: [server/][repositoryNamespace/]image[:tag|@digest].
type Reference struct {
	Server              string
	RepositoryNamespace string
	Image               string
	Tag                 string
	Digest              string
}

// ParseReference splits a user-supplied image string into its components.
// Unlike Normalize, it does not fill in defaults: any component the user did
// not specify is left empty.
func ParseReference(s string) (Reference, error) {
	if s == "" {
		return Reference{}, fmt.Errorf("empty image reference")
	}

	ref := Reference{}
	rest := s

	if at := strings.LastIndex(rest, "@"); at != -1 {
		d := rest[at+1:]
		if err := digest.Digest(d).Validate(); err != nil {
			return Reference{}, fmt.Errorf("malformed image reference %q: invalid digest %q: %w", s, d, err)
		}
		ref.Digest = d
		rest = rest[:at]
	}

	// A tag is only recognized after the last '/', so that a port number in
	// a registry hostname (server:5000/image) is not mistaken for a tag.
	if slash := strings.LastIndex(rest, "/"); slash != -1 {
		if colon := strings.LastIndex(rest[slash+1:], ":"); colon != -1 {
			ref.Tag = rest[slash+1+colon+1:]
			rest = rest[:slash+1+colon]
		}
	} else if colon := strings.LastIndex(rest, ":"); colon != -1 {
		ref.Tag = rest[colon+1:]
		rest = rest[:colon]
	}

	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		ref.Image = parts[0]
	case 2:
		ref.RepositoryNamespace = parts[0]
		ref.Image = parts[1]
	default:
		ref.Server = parts[0]
		ref.RepositoryNamespace = strings.Join(parts[1:len(parts)-1], "/")
		ref.Image = parts[len(parts)-1]
	}

	if ref.Image == "" {
		return Reference{}, fmt.Errorf("malformed image reference %q: missing image name", s)
	}

	return ref, nil
}

// Normalize returns a copy of the reference with its server, repository
// namespace, and tag components filled in with the Sarus defaults whenever
// they were left unset by the user, mirroring ImageReference::normalize()
// in the reference Sarus runtime.
func (r Reference) Normalize() Reference {
	norm := r
	if norm.Server == "" {
		norm.Server = DefaultServer
	}
	if norm.RepositoryNamespace == "" {
		norm.RepositoryNamespace = DefaultRepositoryNamespace
	}
	if norm.Tag == "" && norm.Digest == "" {
		norm.Tag = DefaultTag
	}
	return norm
}

// FullName returns "server/namespace/image", the portion of the reference
// that does not include the tag or digest.
func (r Reference) FullName() string {
	return fmt.Sprintf("%s/%s/%s", r.Server, r.RepositoryNamespace, r.Image)
}

// String renders the reference back into its canonical textual form,
// including tag and/or digest when present.
func (r Reference) String() string {
	s := r.FullName()
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// Equal reports whether two references denote the same image after
// normalization.
func (r Reference) Equal(other Reference) bool {
	return r.Normalize() == other.Normalize()
}

// UniqueKey returns a slash-separated "server/namespace/image/tag" string
// that uniquely identifies this reference within the local image store,
// suitable for use as a relative filesystem path. It requires a tag or a
// digest (or both); a bare repository name cannot be used as a store key
// because it does not pin a specific image version. When the reference has
// no tag, the digest stands in for it with its colon replaced by a dash
// (filesystem path components cannot contain ':'), e.g. "sha256-<hex>".
func (r Reference) UniqueKey() (string, error) {
	if r.Tag == "" && r.Digest == "" {
		return "", fmt.Errorf("malformed image reference %q: must have either a tag, a digest, or both to create a unique key", r.String())
	}
	tag := r.Tag
	if tag == "" {
		tag = strings.ReplaceAll(r.Digest, ":", "-")
	}
	return fmt.Sprintf("%s/%s/%s/%s", r.Server, r.RepositoryNamespace, r.Image, tag), nil
}
