// Package buildinfo exposes compile-time metadata shared across the proxy.
package buildinfo

import "fmt"

// Overridden via ldflags on release builds; defaults cover local builds.
var (
	// Version is the semantic version or git describe output of the binary.
	Version = "dev"

	// Commit is the git commit SHA baked into the binary.
	Commit = "none"

	// BuildDate records when the binary was built in UTC.
	BuildDate = "unknown"
)

// Summary returns a single-line description used by startup logs and the
// health endpoint.
func Summary() string {
	return fmt.Sprintf("kiroproxy %s (%s, built %s)", Version, Commit, BuildDate)
}
