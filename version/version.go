// Package version reports the ammfuzz build version and the configuration schema version it understands.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set via -ldflags at build time; otherwise filled from the embedded VCS metadata.
var (
	// Version is the semantic version of the build.
	Version = "0.3.0"
	// GitCommit is the commit hash the binary was built from.
	GitCommit = ""
	// GitTreeDirty is "true" if the tree had uncommitted changes.
	GitTreeDirty = ""
)

// ConfigSchemaVersion is written into new project configs. Configs declaring a version outside
// SupportedConfigVersions are rejected.
const (
	ConfigSchemaVersion     = "1.1.0"
	SupportedConfigVersions = ">= 1.0.0, < 2.0.0"
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, kv := range info.Settings {
		switch kv.Key {
		case "vcs.revision":
			if GitCommit == "" {
				GitCommit = kv.Value
			}
		case "vcs.modified":
			if GitTreeDirty == "" {
				GitTreeDirty = kv.Value
			}
		}
	}
}

// Short returns "<version>[+<commit>[-dirty]]".
func Short() string {
	v := Version
	if GitCommit != "" {
		commit := GitCommit
		if len(commit) > 7 {
			commit = commit[:7]
		}
		v += "+" + commit
		if GitTreeDirty == "true" {
			v += "-dirty"
		}
	}
	return v
}

// String returns a multi-line description suitable for the version command.
func String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ammfuzz version %s\n", Short()))
	sb.WriteString(fmt.Sprintf("  Config schema: %s\n", ConfigSchemaVersion))
	sb.WriteString(fmt.Sprintf("  Go version:    %s\n", runtime.Version()))
	return sb.String()
}
