// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release tag
	Version = "dev"
	// GitSHA is the commit the binary was built from
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for a binary called name.
func String(name string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", name, Version, GitSHA, BuildTime)
}
