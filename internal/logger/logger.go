// Package logger provides named, leveled loggers sharing one global
// handler, for every subsystem that wants to prefix its output (one
// logger per torrent, per peer connection, per tracker).
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cenkalti/log"
)

var handler log.Handler

func init() {
	SetHandler(log.NewFileHandler(os.Stderr))
}

// SetHandler replaces the global logging handler used by every Logger.
func SetHandler(h log.Handler) {
	handler = h
	handler.SetFormatter(logFormatter{})
}

// SetLevel sets the minimum level the global handler will emit.
func SetLevel(l log.Level) {
	handler.SetLevel(l)
}

// Logger logs messages at various severities, prefixed with a name.
type Logger log.Logger

// New returns a Logger whose messages are prefixed with name.
func New(name string) Logger {
	l := log.NewLogger(name)
	l.SetLevel(log.DEBUG) // forward everything; filtering happens in the handler
	l.SetHandler(handler)
	return l
}

type logFormatter struct{}

func (f logFormatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-8s [%s] %-8s %s",
		fmt.Sprint(rec.Time)[:19],
		rec.Level,
		rec.LoggerName,
		filepath.Base(rec.Filename)+":"+strconv.Itoa(rec.Line),
		rec.Message)
}
