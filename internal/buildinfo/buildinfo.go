package buildinfo

import "fmt"

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build metadata for --version output.
func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// UserAgent is sent with every request to the telescope.
func UserAgent() string {
	return "dwarf-scheduler/" + Version
}
