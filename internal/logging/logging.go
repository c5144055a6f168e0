// Package logging wraps log.Logger with the four levels --log-level
// gates, the way server.New builds a prefixed *log.Logger per component.
package logging

import (
	"io"
	"log"

	"github.com/statabridge/server/internal/config"
)

// Logger is a leveled wrapper around the standard logger.
type Logger struct {
	level config.LogLevel
	std   *log.Logger
}

var rank = map[config.LogLevel]int{
	config.LogDebug: 0,
	config.LogInfo:  1,
	config.LogWarn:  2,
	config.LogError: 3,
}

// New creates a Logger writing to w with the given prefix, gated at level.
func New(w io.Writer, prefix string, level config.LogLevel) *Logger {
	return &Logger{level: level, std: log.New(w, prefix, log.LstdFlags)}
}

func (l *Logger) enabled(level config.LogLevel) bool {
	return rank[level] >= rank[l.level]
}

func (l *Logger) Debugf(format string, args ...any) {
	if l.enabled(config.LogDebug) {
		l.std.Printf("[DEBUG] "+format, args...)
	}
}

func (l *Logger) Infof(format string, args ...any) {
	if l.enabled(config.LogInfo) {
		l.std.Printf("[INFO] "+format, args...)
	}
}

func (l *Logger) Warnf(format string, args ...any) {
	if l.enabled(config.LogWarn) {
		l.std.Printf("[WARN] "+format, args...)
	}
}

func (l *Logger) Errorf(format string, args ...any) {
	if l.enabled(config.LogError) {
		l.std.Printf("[ERROR] "+format, args...)
	}
}
