// Package applog is a thin structured-logging wrapper shared by both
// servers. It mirrors the subject-first call shape used throughout the
// teacher's cache backend (fs.Errorf(subject, format, args...)) and forwards
// to one shared logrus logger that writes to stderr.
package applog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the minimum level emitted process-wide. Valid values are
// the logrus level names ("debug", "info", "warning", "error").
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		base.Warnf("applog: unknown level %q, leaving at %v", level, base.GetLevel())
		return
	}
	base.SetLevel(lvl)
}

// subject is anything identifiable in a log line: a request id, a cache
// path, a component name. Matches fs.Errorf's loosely-typed first argument.
type subject interface{}

func fields(s subject) logrus.Fields {
	if s == nil {
		return logrus.Fields{}
	}
	return logrus.Fields{"subject": s}
}

// Debugf logs at debug level, tagged with subject.
func Debugf(s subject, format string, args ...interface{}) {
	base.WithFields(fields(s)).Debugf(format, args...)
}

// Infof logs at info level, tagged with subject.
func Infof(s subject, format string, args ...interface{}) {
	base.WithFields(fields(s)).Infof(format, args...)
}

// Warnf logs at warning level, tagged with subject.
func Warnf(s subject, format string, args ...interface{}) {
	base.WithFields(fields(s)).Warnf(format, args...)
}

// Errorf logs at error level, tagged with subject.
func Errorf(s subject, format string, args ...interface{}) {
	base.WithFields(fields(s)).Errorf(format, args...)
}

// WithField returns a logrus entry pre-tagged with a single field, for
// call sites that want to attach more than one piece of context (e.g. a
// request id plus a remote IP) across several log lines.
func WithField(key string, value interface{}) *logrus.Entry {
	return base.WithField(key, value)
}
