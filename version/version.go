// Package version holds build metadata injected at link time.
package version

var (
	// GitRelease is the release tag, set via -ldflags at build time.
	GitRelease = "dev"

	// GitCommit is the short commit hash, set via -ldflags at build time.
	GitCommit = "unknown"
)
