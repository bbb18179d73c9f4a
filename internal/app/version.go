package app

import (
	"fmt"
	"io"

	"terrainsrv/internal/terrain"
)

// Version information (set by build flags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// ShowVersion writes the build and supported terrain map format
func ShowVersion(w io.Writer) {
	fmt.Fprintf(w, "terrainsrv %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
	fmt.Fprintf(w, "Terrain map format: %s v%d\n", terrain.Magic, terrain.FormatVersion)
}
