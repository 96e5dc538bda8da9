// Package logging wraps zerolog as a process-wide structured logger,
// built once, with .With()-derived children carrying per-request
// context.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a structured logger tagged with service/version, writing
// to output (os.Stdout if nil).
func New(service, version string, output io.Writer) zerolog.Logger {
	if output == nil {
		output = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339

	return zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}

// WithEvent returns a child logger tagged with a request/event id.
func WithEvent(log zerolog.Logger, eventID string) zerolog.Logger {
	return log.With().Str("event_id", eventID).Logger()
}

// WithFileHash returns a child logger tagged with a file hash.
func WithFileHash(log zerolog.Logger, hash string) zerolog.Logger {
	return log.With().Str("file_hash", hash).Logger()
}
