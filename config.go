// Completion: 100% - Environment configuration and logging setup complete
package main

import (
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/xyproto/env/v2"
)

// VerboseMode enables debug-level diagnostics on stderr. It is set from the
// SOXLD_VERBOSE environment variable and may also be raised by the caller.
var VerboseMode = env.Bool("SOXLD_VERBOSE")

// KeepTempFiles keeps archive members spilled for debugging instead of
// extracting them in memory only.
var KeepTempFiles = env.Bool("SOXLD_KEEP_TMP")

// TempDir is where spilled archive members go when KeepTempFiles is set.
var TempDir = env.Str("SOXLD_TMPDIR", os.TempDir())

// InitLogging configures the process-wide logger. Called once from main and
// from tests that want diagnostics.
func InitLogging() {
	log.SetHandler(cli.New(os.Stderr))
	if VerboseMode {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
