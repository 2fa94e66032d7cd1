// log.go
package lattice

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// init configures the package-level zerolog logger that Context defaults
// to when no WithLogger option is given: timestamped, level-tagged lines
// on stderr at Info and above (Debug/Trace carry per-kernel dispatch and
// fusion-cache detail, noisy enough that callers opt in explicitly).
func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}
