// Package accesslog provides the HTTP mirror API's request log, kept
// separate from the zap-based application logger the way warren's
// pkg/log keeps a dedicated zerolog.Logger apart from component
// loggers: one line per request, JSON-structured, independent of the
// verbosity the rest of the server logs at.
package accesslog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Request writes one access log line for a completed HTTP request.
func Request(method, path string, status int, duration time.Duration) {
	Logger.Info().
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("duration", duration).
		Msg("http request")
}
