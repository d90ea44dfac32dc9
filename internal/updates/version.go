package updates

import (
	"fmt"
	"strconv"
	"strings"
)

// CompareVersions orders two dotted version strings by numeric segments, so
// "1.10.0" sorts above "1.9.9" where a lexical comparison would not. A
// leading "v" is tolerated. Missing segments count as zero: "1.2" == "1.2.0".
// Returns -1, 0 or 1.
func CompareVersions(a, b string) (int, error) {
	segsA, err := parseSegments(a)
	if err != nil {
		return 0, err
	}
	segsB, err := parseSegments(b)
	if err != nil {
		return 0, err
	}

	n := len(segsA)
	if len(segsB) > n {
		n = len(segsB)
	}
	for i := 0; i < n; i++ {
		var va, vb int
		if i < len(segsA) {
			va = segsA[i]
		}
		if i < len(segsB) {
			vb = segsB[i]
		}
		if va != vb {
			if va < vb {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

// ValidateVersion reports whether v parses as a dotted numeric version, so
// callers can reject malformed client input before it reaches a comparison.
func ValidateVersion(v string) error {
	_, err := parseSegments(v)
	return err
}

func parseSegments(version string) ([]int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if trimmed == "" {
		return nil, fmt.Errorf("empty version string")
	}

	parts := strings.Split(trimmed, ".")
	segments := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid version segment %q in %q", part, version)
		}
		segments = append(segments, n)
	}
	return segments, nil
}
