package plugin

import (
	"strconv"
	"strings"
)

// Host version identifiers. HostVersion is the application version used for
// manifest compatibility gating; APIVersion is the plugin contract version,
// matched by exact equality at load time.
const (
	HostVersion = "1.2.0"
	APIVersion  = "1.0.0"
)

// parseVersion splits a version string into exactly three integer components.
// Missing trailing components are zero; non-numeric components are zero.
// Pre-release and build-metadata suffixes are not supported.
func parseVersion(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(strings.TrimSpace(v), ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			continue
		}
		out[i] = n
	}
	return out
}

// compareVersions compares two 3-component versions component-wise.
// Returns -1 if a < b, 0 if equal, 1 if a > b.
func compareVersions(a, b string) int {
	va, vb := parseVersion(a), parseVersion(b)
	for i := 0; i < 3; i++ {
		if va[i] < vb[i] {
			return -1
		}
		if va[i] > vb[i] {
			return 1
		}
	}
	return 0
}
