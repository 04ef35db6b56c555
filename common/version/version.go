// Package version provides build-time version information
package version

import "fmt"

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Name is the product name reported by the CLI and the status endpoint.
const Name = "vito"

// Info returns a formatted version string
func Info() string {
	return fmt.Sprintf("%s %s (%s) built at %s", Name, Version, GitCommit, BuildTime)
}
