package ratatosk

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// DefaultLogger writes structured events to stderr through zerolog.
// Keys and values arrive as alternating pairs; a trailing key without a
// value is recorded against nil.
type DefaultLogger struct {
	zl zerolog.Logger
}

func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{zl: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

func (l *DefaultLogger) emit(level zerolog.Level, msg string, pairs []interface{}) {
	event := l.zl.WithLevel(level)
	for i := 0; i < len(pairs); i += 2 {
		key := fmt.Sprint(pairs[i])
		if i+1 < len(pairs) {
			event = event.Interface(key, pairs[i+1])
		} else {
			event = event.Interface(key, nil)
		}
	}
	event.Msg(msg)
}

func (l *DefaultLogger) Info(msg string, keysAndValues ...interface{}) {
	l.emit(zerolog.InfoLevel, msg, keysAndValues)
}

func (l *DefaultLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.emit(zerolog.WarnLevel, msg, keysAndValues)
}

func (l *DefaultLogger) Error(msg string, keysAndValues ...interface{}) {
	l.emit(zerolog.ErrorLevel, msg, keysAndValues)
}
