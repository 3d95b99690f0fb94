package image

import (
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/xfeldman/hyperfleet/internal/errs"
)

// DefaultRegistry is used when a reference names no registry segment.
const DefaultRegistry = "docker.io"

// Reference is a parsed OCI image reference. Equivalence is by
// Normalized, which is the cache key.
type Reference struct {
	Registry   string
	Repository string
	Tag        string // empty when Digest is set
	Digest     string // "sha256:<hex>", empty when Tag is set
	Normalized string
}

// ParseReference accepts "[registry[:port]/][repo/]name[:tag|@digest]".
//
// The first path segment is the registry only when there is more than one
// segment AND it contains a '.', equals "localhost", or ends in ':' plus
// a purely numeric port — "alpine:3.18" has exactly one segment, so its
// colon is never considered a registry port and falls through to tag
// parsing instead. Within the remaining repository path, a trailing
// ":tag" is unambiguous: ports never occur there.
func ParseReference(input string) (*Reference, error) {
	if input == "" {
		return nil, &errs.InvalidImageRef{Input: input}
	}

	rest := input
	var digestStr string
	if idx := strings.LastIndex(rest, "@"); idx >= 0 {
		digestStr = rest[idx+1:]
		rest = rest[:idx]
		dg, err := digest.Parse(digestStr)
		if err != nil || dg.Algorithm() != digest.SHA256 {
			return nil, &errs.InvalidImageRef{Input: input}
		}
		digestStr = dg.String()
	}
	if rest == "" {
		return nil, &errs.InvalidImageRef{Input: input}
	}

	segments := strings.Split(rest, "/")
	for _, s := range segments {
		if s == "" {
			return nil, &errs.InvalidImageRef{Input: input}
		}
	}

	registry := DefaultRegistry
	pathSegments := append([]string{}, segments...)
	usedDefaultRegistry := true
	if len(segments) > 1 && isRegistrySegment(segments[0]) {
		registry = segments[0]
		pathSegments = pathSegments[1:]
		usedDefaultRegistry = false
	}

	var tag string
	lastIdx := len(pathSegments) - 1
	if digestStr == "" {
		if ci := strings.LastIndex(pathSegments[lastIdx], ":"); ci >= 0 {
			last := pathSegments[lastIdx]
			tag = last[ci+1:]
			if tag == "" {
				return nil, &errs.InvalidImageRef{Input: input}
			}
			pathSegments[lastIdx] = last[:ci]
			if pathSegments[lastIdx] == "" {
				return nil, &errs.InvalidImageRef{Input: input}
			}
		}
	}

	repository := strings.Join(pathSegments, "/")
	if usedDefaultRegistry && len(pathSegments) == 1 {
		repository = "library/" + repository
	}

	if digestStr == "" && tag == "" {
		tag = "latest"
	}

	r := &Reference{
		Registry:   registry,
		Repository: repository,
		Tag:        tag,
		Digest:     digestStr,
	}
	if digestStr != "" {
		r.Normalized = registry + "/" + repository + "@" + digestStr
	} else {
		r.Normalized = registry + "/" + repository + ":" + tag
	}
	return r, nil
}

// isRegistrySegment reports whether s looks like a registry host[:port],
// per the numeric-port disambiguation rule.
func isRegistrySegment(s string) bool {
	if s == "localhost" {
		return true
	}
	if strings.Contains(s, ".") {
		return true
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		suffix := s[idx+1:]
		return suffix != "" && isPurelyNumeric(suffix)
	}
	return false
}

func isPurelyNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// String returns the normalized reference.
func (r *Reference) String() string { return r.Normalized }
