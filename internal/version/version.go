// Package version holds the build version, set with
// -ldflags "-X github.com/fabian4/mapping-gateway/internal/version.Value=v1.2.3".
package version

// Value is the version string printed at startup.
var Value = "dev"
