// Package rlog provides a narrow logging seam so pkg/alloc and pkg/btree
// never import logrus directly. Callers that don't care about logging can
// leave it nil; every consumer falls back to a discard logger.
package rlog

import "github.com/sirupsen/logrus"

// Logger is the subset of logrus.FieldLogger the core actually uses.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// FromLogrus adapts a *logrus.Logger (or any logrus.FieldLogger) to Logger.
func FromLogrus(l logrus.FieldLogger) Logger {
	return logrusAdapter{l}
}

// Default returns a logrus-backed logger writing at Info level, the
// default verbosity for CLI-facing use.
func Default() Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return logrusAdapter{l}
}

// Discard silences all log output. Used whenever a caller passes a nil
// Logger into Options so the core never has to nil-check at call sites.
func Discard() Logger {
	return discard{}
}

// Or returns l if non-nil, else a discard logger.
func Or(l Logger) Logger {
	if l == nil {
		return Discard()
	}
	return l
}

type logrusAdapter struct {
	l logrus.FieldLogger
}

func (a logrusAdapter) Debugf(format string, args ...interface{}) { a.l.Debugf(format, args...) }
func (a logrusAdapter) Infof(format string, args ...interface{})  { a.l.Infof(format, args...) }
func (a logrusAdapter) Warnf(format string, args ...interface{})  { a.l.Warnf(format, args...) }
func (a logrusAdapter) Errorf(format string, args ...interface{}) { a.l.Errorf(format, args...) }

type discard struct{}

func (discard) Debugf(string, ...interface{}) {}
func (discard) Infof(string, ...interface{})  {}
func (discard) Warnf(string, ...interface{})  {}
func (discard) Errorf(string, ...interface{}) {}
