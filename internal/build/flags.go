// SPDX-License-Identifier: MIT
//
// Package build exposes the metadata stamped into the binary at link time.
package build

import "fmt"

// ldFlags holds build-time information that is injected during compilation.
// The fields are populated via -ldflags during the build process, for example:
//
//	go build -ldflags "-X wearstream/internal/build.buildName=wearstream -X wearstream/internal/build.buildVersion=0.3.0"
type ldFlags struct {
	Name        string // Application name
	Description string // One-line summary shown in --help
	Time        string // Build timestamp
	Commit      string // Git commit hash
	Version     string // Semantic version
}

// Package-level variables for build information.
// Default values are used during development (`go run`, tests).
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildFlags   = &ldFlags{
		Name:        "wearstream",
		Description: "Stream wearable audio and video to a remote processing service",
		Time:        "unknown",
		Commit:      "unknown",
		Version:     "dev",
	}
)

// Initialize copies build information from the ldflags variables into the
// buildFlags struct. Flags that were not stamped keep their development
// defaults, except that a stamped version requires a stamped commit.
func Initialize() error {
	if buildVersion != "" && buildCommit == "" {
		return fmt.Errorf("BuildCommit is required when BuildVersion is set")
	}

	if buildName != "" {
		buildFlags.Name = buildName
	}
	if buildTime != "" {
		buildFlags.Time = buildTime
	}
	if buildCommit != "" {
		buildFlags.Commit = buildCommit
	}
	if buildVersion != "" {
		buildFlags.Version = buildVersion
	}

	return nil
}

// GetBuildFlags returns the current build information.
func GetBuildFlags() *ldFlags {
	return buildFlags
}

// String renders the build information for `--version` output and logs.
func (f *ldFlags) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", f.Name, f.Version, f.Commit, f.Time)
}
