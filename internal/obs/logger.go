// logger construction, the engine itself only carries zerolog.Logger values
package obs

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds a leveled logger writing to w (stderr if nil).
// Unknown level strings fall back to info.
func NewLogger(level string, json bool, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if !json {
		w = zerolog.ConsoleWriter{Out: w}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for tests and defaults.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
