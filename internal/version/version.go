// Package version holds build information set by the linker:
//
//	go build -ldflags "-X github.com/mschirtzinger/vaultd/internal/version.Version=v0.3.0"
package version

import "runtime/debug"

// Version of the daemon. "dev" for local builds.
var Version = "dev"

// Commit is the VCS revision, when known.
var Commit = ""

// String returns the version with the short commit, if any.
func String() string {
	commit := Commit
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		return Version
	}
	return Version + " (" + commit + ")"
}
