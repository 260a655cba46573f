// Package logging builds the engine's single zerolog.Logger, used in place
// of the teacher's plain fmt.Fprintln-to-stderr calls: structured fields
// (strategy name, sizes, elapsed) on every progress line are what actually
// make a run's log diffable across invocations, which is why the pessimistic
// tracing design (internal/tracing) pairs with it instead of duplicating it.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a Logger writing to w (os.Stderr in production). quiet
// suppresses everything below Error, matching the --quiet CLI option.
func New(w io.Writer, quiet bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if quiet {
		level = zerolog.ErrorLevel
	}

	var out io.Writer = w
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// isTerminal reports whether f looks like an interactive terminal, used only
// to decide between zerolog's human-readable console writer and plain JSON.
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
