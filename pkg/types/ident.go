package types

import (
	"fmt"
	"strconv"
	"strings"
)

// PackageIdent identifies a package. Origin and Name are always present;
// Version and Release narrow the ident down to a single artifact.
type PackageIdent struct {
	Origin  string `json:"origin"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Release string `json:"release,omitempty"`
}

// ParseIdent parses "origin/name[/version[/release]]".
func ParseIdent(s string) (PackageIdent, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 4 {
		return PackageIdent{}, fmt.Errorf("invalid package ident: %q", s)
	}
	for _, p := range parts {
		if p == "" {
			return PackageIdent{}, fmt.Errorf("invalid package ident: %q", s)
		}
	}
	ident := PackageIdent{Origin: parts[0], Name: parts[1]}
	if len(parts) > 2 {
		ident.Version = parts[2]
	}
	if len(parts) > 3 {
		ident.Release = parts[3]
	}
	return ident, nil
}

// MustIdent is ParseIdent for literals in tests and fixtures.
func MustIdent(s string) PackageIdent {
	ident, err := ParseIdent(s)
	if err != nil {
		panic(err)
	}
	return ident
}

// String renders the ident with as many segments as are set.
func (i PackageIdent) String() string {
	parts := []string{i.Origin, i.Name}
	if i.Version != "" {
		parts = append(parts, i.Version)
		if i.Release != "" {
			parts = append(parts, i.Release)
		}
	}
	return strings.Join(parts, "/")
}

// Short is the origin/name prefix, the key the dependency graph indexes by.
func (i PackageIdent) Short() string {
	return i.Origin + "/" + i.Name
}

// Valid reports whether origin and name are both set.
func (i PackageIdent) Valid() bool {
	return i.Origin != "" && i.Name != ""
}

// FullyQualified reports whether all four segments are set.
func (i PackageIdent) FullyQualified() bool {
	return i.Origin != "" && i.Name != "" && i.Version != "" && i.Release != ""
}

// Satisfies reports whether i matches the (possibly partial) pattern p.
// Empty segments in p match anything.
func (i PackageIdent) Satisfies(p PackageIdent) bool {
	if p.Origin != i.Origin || p.Name != i.Name {
		return false
	}
	if p.Version != "" && p.Version != i.Version {
		return false
	}
	if p.Release != "" && p.Release != i.Release {
		return false
	}
	return true
}

// Newer reports whether i is a later build than o of the same package.
// Versions compare segment-wise numerically where possible; equal versions
// fall back to the release timestamp.
func (i PackageIdent) Newer(o PackageIdent) bool {
	if c := CompareVersions(i.Version, o.Version); c != 0 {
		return c > 0
	}
	return i.Release > o.Release
}

// CompareVersions orders two dotted version strings. Numeric segments
// compare numerically, mixed segments lexicographically; a missing segment
// sorts before a present one.
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for idx := 0; idx < len(as) || idx < len(bs); idx++ {
		if idx >= len(as) {
			return -1
		}
		if idx >= len(bs) {
			return 1
		}
		if c := compareSegment(as[idx], bs[idx]); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(a, b string) int {
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
