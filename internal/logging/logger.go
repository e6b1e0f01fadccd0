// Package logging sets up the structured zerolog logger used across the
// gateway process, adapted from the teacher's logger.go.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger tagged with the service name. level is one
// of zerolog's level strings ("debug", "info", "warn", "error"); pretty
// selects a human-readable console writer instead of JSON, for local
// development.
func New(service string, level string, pretty bool) zerolog.Logger {
	var output io.Writer = os.Stdout

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	if pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// LogPanic records a recovered panic with its stack trace, for use from
// a deferred recover. No code in this module calls it: the
// outbox workers recover and log panics themselves, and the gateway's
// per-connection read/write pumps do not recover panics.
func LogPanic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack()))

	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
