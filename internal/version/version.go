// Package version carries build metadata injected with -ldflags "-X".
package version

import "fmt"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line per field.
func String() string {
	return fmt.Sprintf("peptisync %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildDate)
}
