// Package version provides the build version information of yabot.
package version

import (
	"fmt"
	"strings"
)

// Version is the service version, injected at build time:
// go build -ldflags "-X github.com/carlostoek/yabot/internal/version.Version=1.2.0"
var Version = "1.0.0"

// DevVersion is the developing version string.
var DevVersion = "1.0.0"

// GitCommit is the git commit hash, injected at build time.
var GitCommit = "unknown"

// BuildTime is the build timestamp, injected at build time.
var BuildTime = "unknown"

func GetCurrentVersion(mode string) string {
	if mode == "dev" || mode == "demo" {
		return DevVersion
	}
	return Version
}

func GetMinorVersion(version string) string {
	return strings.Join(strings.Split(version, ".")[0:2], ".")
}

// String returns the version with git commit info for logging.
func String(mode string) string {
	version := GetCurrentVersion(mode)
	if GitCommit != "unknown" && len(GitCommit) >= 7 {
		return fmt.Sprintf("%s-%s", version, GitCommit[:7])
	}
	return version
}
