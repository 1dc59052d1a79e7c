package observability

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EventSink is the structured-logging surface the host adapter
// (cmd/sniwedge) logs through. pkg/mangle does no logging of its own and
// never imports logrus, so it stays testable with no logging side effects.
type EventSink interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// logrusSink adapts a *logrus.Entry to EventSink.
type logrusSink struct {
	entry *logrus.Entry
}

func (s *logrusSink) Debugf(format string, args ...interface{}) { s.entry.Debugf(format, args...) }
func (s *logrusSink) Infof(format string, args ...interface{})  { s.entry.Infof(format, args...) }
func (s *logrusSink) Warnf(format string, args ...interface{})  { s.entry.Warnf(format, args...) }
func (s *logrusSink) Errorf(format string, args ...interface{}) { s.entry.Errorf(format, args...) }

// NewLogger builds an EventSink writing structured (logfmt-style) lines at
// the given level. When logPath is non-empty the output is rotated through
// lumberjack; otherwise it writes to stderr.
func NewLogger(level, logPath string) (EventSink, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var out io.Writer = os.Stderr
	if logPath != "" {
		out = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	logger.SetOutput(out)

	return &logrusSink{entry: logrus.NewEntry(logger)}, nil
}

// noopSink discards everything, for callers that don't want log output.
type noopSink struct{}

func (noopSink) Debugf(string, ...interface{}) {}
func (noopSink) Infof(string, ...interface{})  {}
func (noopSink) Warnf(string, ...interface{})  {}
func (noopSink) Errorf(string, ...interface{}) {}

// NoopSink returns an EventSink that discards all output.
func NoopSink() EventSink { return noopSink{} }
