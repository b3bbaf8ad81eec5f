package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is the semantic version of the build. It can be overridden via ldflags.
	Version = ""
	// Commit is the short git SHA embedded at build time.
	Commit = "none"
	// BuildTime is the UTC build timestamp embedded at build time.
	BuildTime = "unknown"
)

// develVersion is reported when neither ldflags nor module info name a version.
const develVersion = "0.0.0-dev"

// Short returns only the semantic version string.
// Builds installed with `go install` fall back to the module version.
func Short() string {
	if Version != "" {
		return Version
	}

	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}

	return develVersion
}

// Full returns a human-readable version string with commit, build time and toolchain.
func Full() string {
	return fmt.Sprintf("version: %s, commit: %s, built at: %s, go: %s",
		Short(), Commit, BuildTime, runtime.Version())
}
