// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"
	"strings"

	gc "gopkg.in/check.v1"

	"github.com/juju/relationlibs/internal/logger"
)

// checkLogger routes log output to the gocheck test log.
type checkLogger struct {
	log    CheckLogger
	name   string
	prefix string
}

// CheckLogger is the subset of *gc.C used for logging.
type CheckLogger interface {
	Logf(string, ...any)
}

// WrapCheckLog returns a logger that writes to the test log of c.
func WrapCheckLog(c *gc.C) logger.Logger {
	return checkLogger{log: c, name: "test"}
}

// WrapCheckLogWithPrefix returns a logger that writes to the test log of
// c, prefixing every line.
func WrapCheckLogWithPrefix(c *gc.C, prefix string) logger.Logger {
	return checkLogger{log: c, name: "test", prefix: prefix}
}

func (c checkLogger) Criticalf(_ context.Context, msg string, args ...any) {
	c.write("CRITICAL", msg, args...)
}

func (c checkLogger) Errorf(_ context.Context, msg string, args ...any) {
	c.write("ERROR", msg, args...)
}

func (c checkLogger) Warningf(_ context.Context, msg string, args ...any) {
	c.write("WARNING", msg, args...)
}

func (c checkLogger) Infof(_ context.Context, msg string, args ...any) {
	c.write("INFO", msg, args...)
}

func (c checkLogger) Debugf(_ context.Context, msg string, args ...any) {
	c.write("DEBUG", msg, args...)
}

func (c checkLogger) Tracef(_ context.Context, msg string, args ...any) {
	c.write("TRACE", msg, args...)
}

func (c checkLogger) IsLevelEnabled(logger.Level) bool {
	return true
}

func (c checkLogger) Child(name string) logger.Logger {
	return checkLogger{
		log:    c.log,
		name:   strings.Join([]string{c.name, name}, "."),
		prefix: c.prefix,
	}
}

func (c checkLogger) write(level, msg string, args ...any) {
	c.log.Logf("%s%s: %s %s", c.prefix, level, c.name, fmt.Sprintf(msg, args...))
}

// Entry is a single message captured by a Recorder.
type Entry struct {
	Level   string
	Message string
}

// Recorder is a logger that keeps every message so tests can assert on
// warnings and errors.
type Recorder struct {
	entries *[]Entry
}

// NewRecorder returns an empty Recorder.
func NewRecorder() Recorder {
	return Recorder{entries: new([]Entry)}
}

// Entries returns the captured messages, in order.
func (r Recorder) Entries() []Entry {
	return append([]Entry(nil), (*r.entries)...)
}

// Messages returns the captured messages at the given level.
func (r Recorder) Messages(level string) []string {
	var out []string
	for _, e := range *r.entries {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

func (r Recorder) Criticalf(_ context.Context, msg string, args ...any) {
	r.record("CRITICAL", msg, args...)
}

func (r Recorder) Errorf(_ context.Context, msg string, args ...any) {
	r.record("ERROR", msg, args...)
}

func (r Recorder) Warningf(_ context.Context, msg string, args ...any) {
	r.record("WARNING", msg, args...)
}

func (r Recorder) Infof(_ context.Context, msg string, args ...any) {
	r.record("INFO", msg, args...)
}

func (r Recorder) Debugf(_ context.Context, msg string, args ...any) {
	r.record("DEBUG", msg, args...)
}

func (r Recorder) Tracef(_ context.Context, msg string, args ...any) {
	r.record("TRACE", msg, args...)
}

func (r Recorder) IsLevelEnabled(logger.Level) bool {
	return true
}

func (r Recorder) Child(string) logger.Logger {
	return r
}

func (r Recorder) record(level, msg string, args ...any) {
	*r.entries = append(*r.entries, Entry{Level: level, Message: fmt.Sprintf(msg, args...)})
}
