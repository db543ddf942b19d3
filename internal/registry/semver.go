package registry

import (
	"strconv"
	"strings"
)

// compareVersions implements the §4.2 ordering: majors, then minors, then
// patches, then a prerelease comparator where absence outranks presence and
// numeric identifiers compare numerically, non-numeric lexicographically.
// Falls back to a plain string compare if either version is not semver-shaped.
// Returns -1, 0, or 1.
func compareVersions(a, b string) int {
	pa, oka := parseSemver(a)
	pb, okb := parseSemver(b)
	if !oka || !okb {
		return strings.Compare(a, b)
	}

	if c := compareInts(pa.major, pb.major); c != 0 {
		return c
	}
	if c := compareInts(pa.minor, pb.minor); c != 0 {
		return c
	}
	if c := compareInts(pa.patch, pb.patch); c != 0 {
		return c
	}
	return comparePrerelease(pa.prerelease, pb.prerelease)
}

type semver struct {
	major, minor, patch int
	prerelease          string
}

func parseSemver(v string) (semver, bool) {
	core := v
	var prerelease string
	if i := strings.IndexByte(v, '-'); i >= 0 {
		core = v[:i]
		prerelease = v[i+1:]
	}
	// Strip build metadata if present.
	if i := strings.IndexByte(core, '+'); i >= 0 {
		core = core[:i]
	}

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return semver{}, false
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return semver{}, false
		}
		nums[i] = n
	}

	return semver{major: nums[0], minor: nums[1], patch: nums[2], prerelease: prerelease}, true
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// comparePrerelease: absence of a prerelease outranks (is greater than) its
// presence (1.0.0 > 1.0.0-rc1). When both present, identifiers are compared
// dot-segment by dot-segment: numeric identifiers numerically, non-numeric
// lexicographically, and numeric identifiers always sort lower than
// non-numeric ones per semver precedence rules.
func comparePrerelease(a, b string) int {
	if a == "" && b == "" {
		return 0
	}
	if a == "" {
		return 1
	}
	if b == "" {
		return -1
	}

	segsA := strings.Split(a, ".")
	segsB := strings.Split(b, ".")

	for i := 0; i < len(segsA) && i < len(segsB); i++ {
		sa, sb := segsA[i], segsB[i]
		na, erra := strconv.Atoi(sa)
		nb, errb := strconv.Atoi(sb)

		switch {
		case erra == nil && errb == nil:
			if c := compareInts(na, nb); c != 0 {
				return c
			}
		case erra == nil:
			return -1
		case errb == nil:
			return 1
		default:
			if c := strings.Compare(sa, sb); c != 0 {
				return c
			}
		}
	}
	return compareInts(len(segsA), len(segsB))
}
