// Package logging wires the daemon's log.Logger call surface — kept as
// plain stdlib log (the teacher's idiom throughout internal/daemon) — to
// either stderr or a rotating file via lumberjack, the rotation library the
// pack already uses for this purpose (ghyeongl-selective-filebrowser's
// sync/logger.go).
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a stdlib *log.Logger plus a verbosity gate for Debugf, mirroring
// the original daemon's numeric LOG_F verbosity levels.
type Logger struct {
	*log.Logger
	verbosity int
}

// New creates a Logger. If path is empty, output goes to stderr; otherwise
// it's written through a lumberjack rotating writer.
func New(path string, verbosity int) *Logger {
	var w io.Writer = os.Stderr
	if path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		}
	}
	return &Logger{
		Logger:    log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		verbosity: verbosity,
	}
}

// Debugf logs only when verbosity is above zero, for the chatty per-call
// tracing the original daemon gates behind LOG_F(1, ...)/LOG_F(3, ...).
func (l *Logger) Debugf(format string, args ...any) {
	if l.verbosity > 0 {
		l.Printf(format, args...)
	}
}
