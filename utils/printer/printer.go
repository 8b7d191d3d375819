package printer

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	_ "runtime" // import link package
	_ "unsafe"  // required by go:linkname
)

// Version information.
var (
	PromstowBuildTS   = "None"
	PromstowGitHash   = "None"
	PromstowGitBranch = "None"
)

//go:linkname buildVersion runtime.buildVersion
var buildVersion string

// PrintPromstowInfo prints the promstow version information.
func PrintPromstowInfo() {
	log.Info("Welcome to promstow",
		zap.String("Git Commit Hash", PromstowGitHash),
		zap.String("Git Branch", PromstowGitBranch),
		zap.String("UTC Build Time", PromstowBuildTS),
		zap.String("GoVersion", buildVersion))
}
