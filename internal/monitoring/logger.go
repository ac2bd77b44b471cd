// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import (
	"log"
	"sync/atomic"
)

type logFunc = func(format string, v ...any)

var logger atomic.Pointer[logFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf writes a diagnostic line through the current logger. It defaults to
// log.Printf.
func Logf(format string, v ...any) {
	(*logger.Load())(format, v...)
}

// SetLogger replaces the logger. Passing nil mutes all output. Safe to call
// while other goroutines are logging.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		f = func(string, ...any) {}
	}
	logger.Store(&f)
}

// Tagged returns a printf-style func that prefixes every line with
// "[tag] ", matching the bracketed component tags used across the binary.
func Tagged(tag string) func(format string, v ...any) {
	prefix := "[" + tag + "] "
	return func(format string, v ...any) {
		Logf(prefix+format, v...)
	}
}
