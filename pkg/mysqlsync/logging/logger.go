// Package logging provides the leveled Logger interface threaded through
// every component of the daemon, backed by logrus.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Level names accepted in configuration, from least to most verbose.
const (
	LevelError = "error"
	LevelWarn  = "warn"
	LevelInfo  = "info"
	LevelDebug = "debug"
	LevelTrace = "trace"
)

// Logger is the leveled logging contract every component depends on.
// None of the components hold a *logrus.Logger directly so the backing
// implementation can be swapped in tests.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Trace(v ...interface{})
	Tracef(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// With returns a derived Logger that attaches the given fields to
	// every subsequent entry, e.g. log.With(Fields{"table": "users"}).
	With(fields Fields) Logger
}

// Fields is a shallow alias over logrus.Fields so callers never import
// logrus directly.
type Fields = logrus.Fields

// logrusLogger adapts *logrus.Entry to the Logger interface.
type logrusLogger struct {
	entry *logrus.Entry
}

// New builds a Logger writing to stderr at the given level name. An
// unrecognized level falls back to info, matching the config default.
func New(level string) Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(parseLevel(level))
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

func parseLevel(level string) logrus.Level {
	switch level {
	case LevelError:
		return logrus.ErrorLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelTrace:
		return logrus.TraceLevel
	case LevelInfo, "":
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *logrusLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *logrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warn(v ...interface{})                  { l.entry.Warn(v...) }
func (l *logrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *logrusLogger) Error(v ...interface{})                 { l.entry.Error(v...) }
func (l *logrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *logrusLogger) Debug(v ...interface{})                 { l.entry.Debug(v...) }
func (l *logrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *logrusLogger) Trace(v ...interface{})                 { l.entry.Trace(v...) }
func (l *logrusLogger) Tracef(format string, v ...interface{}) { l.entry.Tracef(format, v...) }
func (l *logrusLogger) Fatal(v ...interface{})                 { l.entry.Fatal(v...) }
func (l *logrusLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

func (l *logrusLogger) With(fields Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(fields)}
}

// Noop returns a Logger that discards everything, used in tests that
// don't care about log output.
func Noop() Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.PanicLevel)
	return &logrusLogger{entry: logrus.NewEntry(base)}
}
