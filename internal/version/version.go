// Package version exposes the build version.
package version

// version is overridden at build time via
// -ldflags "-X github.com/s1366560/overseer/internal/version.version=vX.Y.Z".
var version = "0.1.0-dev"

// Get returns the current version.
func Get() string {
	return version
}
