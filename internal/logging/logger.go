// Package logging is a thin subsystem-tagged facade over the standard
// library logger. Every message carries a [subsystem] prefix so interleaved
// daemon, batch and MCP output stays attributable.
package logging

import (
	"log"
	"os"
	"strings"
)

var debugEnabled = os.Getenv("MNEMO_DEBUG") == "true"

// Info logs unconditionally.
func Info(subsystem, format string, args ...any) {
	emit(subsystem, format, args)
}

// Debug logs only when MNEMO_DEBUG=true.
func Debug(subsystem, format string, args ...any) {
	if debugEnabled {
		emit(subsystem, format, args)
	}
}

func emit(subsystem, format string, args []any) {
	log.Printf("[%s] "+format, append([]any{subsystem}, args...)...)
}

// Truncate flattens s to one line of at most maxLen bytes, for log lines
// that quote descriptions or synthesis output.
func Truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
