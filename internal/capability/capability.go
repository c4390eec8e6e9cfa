// Package capability models the (name, version, parameter set) tuples a
// worker advertises and a task requires, plus the semver-aware matching
// rule the router uses to decide whether a worker satisfies a requirement.
package capability

import (
	"fmt"
	"strconv"
	"strings"
)

// Capability is a single named ability a worker exposes, e.g.
// ("pdf.extract", "2.1.0", {"ocr", "tables"}).
type Capability struct {
	Name       string
	Version    Version
	Parameters map[string]struct{}
}

// New builds a Capability from a raw version string and a parameter list,
// returning an error if the version does not parse.
func New(name, version string, parameters ...string) (Capability, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return Capability{}, fmt.Errorf("capability %q: %w", name, err)
	}
	return Capability{Name: name, Version: v, Parameters: toSet(parameters)}, nil
}

func toSet(params []string) map[string]struct{} {
	set := make(map[string]struct{}, len(params))
	for _, p := range params {
		set[p] = struct{}{}
	}
	return set
}

// Version is a parsed major.minor.patch semantic version. Pre-release and
// build metadata are not modeled; workers are expected to advertise
// release versions only.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses a "X.Y.Z" string. "X.Y" and "X" are accepted and the
// missing components default to zero.
func ParseVersion(s string) (Version, error) {
	parts := strings.SplitN(s, ".", 3)
	nums := make([]int, 3)
	for i := 0; i < len(parts); i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		if n < 0 {
			return Version{}, fmt.Errorf("invalid version %q: negative component", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other, ordering by major, then minor, then patch.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return sign(v.Major - other.Major)
	case v.Minor != other.Minor:
		return sign(v.Minor - other.Minor)
	default:
		return sign(v.Patch - other.Patch)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether v >= other.
func (v Version) AtLeast(other Version) bool { return v.Compare(other) >= 0 }

// SameMajor reports whether v and other share a major version. Required by
// Satisfies below: a worker advertising 3.0.0 does not satisfy a
// requirement of 2.5.0 even though 3.0.0 > 2.5.0, because a major bump is
// assumed to carry breaking changes per the worker manifest convention.
func (v Version) SameMajor(other Version) bool { return v.Major == other.Major }

// Satisfies reports whether the available capability can serve the
// required one: same name, same major version with available >= required
// (minor/patch), and every parameter the requirement names is present in
// what's available. This upgrades the original's bare `<=` version
// comparison (which permitted silently crossing a major version) with an
// explicit same-major guard.
func Satisfies(required, available Capability) bool {
	if required.Name != available.Name {
		return false
	}
	if !available.Version.SameMajor(required.Version) {
		return false
	}
	if !available.Version.AtLeast(required.Version) {
		return false
	}
	for p := range required.Parameters {
		if _, ok := available.Parameters[p]; !ok {
			return false
		}
	}
	return true
}

// BestMatch returns the index of the first available capability in avail
// that satisfies required, or -1 if none do. Callers that must choose among
// several satisfying versions should prefer the highest Version; BestMatch
// itself makes no such preference and returns the first match in order.
func BestMatch(required Capability, avail []Capability) int {
	for i, a := range avail {
		if Satisfies(required, a) {
			return i
		}
	}
	return -1
}
