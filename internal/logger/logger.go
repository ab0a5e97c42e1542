// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"context"

	"github.com/juju/loggo/v2"
)

// Level is the severity of a log message.
type Level = loggo.Level

const (
	TRACE    = loggo.TRACE
	DEBUG    = loggo.DEBUG
	INFO     = loggo.INFO
	WARNING  = loggo.WARNING
	ERROR    = loggo.ERROR
	CRITICAL = loggo.CRITICAL
)

// Logger is the interface used throughout the relation libraries. Every
// method takes the context of the event being handled.
type Logger interface {
	// Criticalf logs a message at the critical level.
	Criticalf(ctx context.Context, msg string, args ...any)

	// Errorf logs a message at the error level.
	Errorf(ctx context.Context, msg string, args ...any)

	// Warningf logs a message at the warning level.
	Warningf(ctx context.Context, msg string, args ...any)

	// Infof logs a message at the info level.
	Infof(ctx context.Context, msg string, args ...any)

	// Debugf logs a message at the debug level.
	Debugf(ctx context.Context, msg string, args ...any)

	// Tracef logs a message at the trace level.
	Tracef(ctx context.Context, msg string, args ...any)

	// IsLevelEnabled returns true if the given level is enabled for the
	// logger.
	IsLevelEnabled(Level) bool

	// Child returns a new logger with the given name appended.
	Child(name string) Logger
}

// GetLogger returns the named logger.
func GetLogger(name string) Logger {
	return WrapLoggo(loggo.GetLogger(name))
}

// WrapLoggo wraps a loggo logger so it satisfies Logger.
func WrapLoggo(l loggo.Logger) Logger {
	return loggoLogger{logger: l}
}

type loggoLogger struct {
	logger loggo.Logger
}

// Calldepth of 3 skips this wrapper so the caller's location is recorded.
const calldepth = 3

func (l loggoLogger) Criticalf(_ context.Context, msg string, args ...any) {
	l.logger.LogCallf(calldepth, loggo.CRITICAL, msg, args...)
}

func (l loggoLogger) Errorf(_ context.Context, msg string, args ...any) {
	l.logger.LogCallf(calldepth, loggo.ERROR, msg, args...)
}

func (l loggoLogger) Warningf(_ context.Context, msg string, args ...any) {
	l.logger.LogCallf(calldepth, loggo.WARNING, msg, args...)
}

func (l loggoLogger) Infof(_ context.Context, msg string, args ...any) {
	l.logger.LogCallf(calldepth, loggo.INFO, msg, args...)
}

func (l loggoLogger) Debugf(_ context.Context, msg string, args ...any) {
	l.logger.LogCallf(calldepth, loggo.DEBUG, msg, args...)
}

func (l loggoLogger) Tracef(_ context.Context, msg string, args ...any) {
	l.logger.LogCallf(calldepth, loggo.TRACE, msg, args...)
}

func (l loggoLogger) IsLevelEnabled(level Level) bool {
	return l.logger.IsLevelEnabled(level)
}

func (l loggoLogger) Child(name string) Logger {
	return loggoLogger{logger: l.logger.Child(name)}
}
