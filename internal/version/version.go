// Package version exposes the build version stamp.
package version

// Version is the semantic version of the running binary.
// Overridden at build time via -ldflags "-X github.com/aristath/forager/internal/version.Version=...".
var Version = "0.3.0-dev"
