// Package version holds build metadata, set with -ldflags at release time:
//
//	-X github.com/throw-if-null/argon/internal/version.Version=v0.3.0
package version

var (
	Version = "dev"
	Commit  = "none"
)

// String renders "argon <version> (<commit>)".
func String() string {
	return "argon " + Version + " (" + Commit + ")"
}
