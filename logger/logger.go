package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	appconfig "marketlink/config"
)

// Fields is the structured payload attached to a record.
type Fields map[string]interface{}

// Log is the process logger. Records are JSON by default and carry the
// calling file and line.
type Log struct {
	*logrus.Logger
}

// Entry is a record under construction. Warnings and errors logged through
// it are tallied per component and per market for the runtime report.
type Entry struct {
	*logrus.Entry
}

var globalLogger *Log

func init() {
	globalLogger = New()
}

// New builds a logger at LOG_LEVEL (info when unset or unparsable).
func New() *Log {
	l := logrus.New()
	l.SetReportCaller(true)
	lvl, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(jsonFormatter())
	l.AddHook(&callerHook{})
	return &Log{Logger: l}
}

func GetLogger() *Log {
	return globalLogger
}

// parseLevel accepts logrus level names plus "report", which is info with
// the periodic runtime report in mind.
func parseLevel(level string) (logrus.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "", "report":
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("invalid log level '%s'", level)
	}
	return lvl, nil
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: callerPrettyfier,
	}
}

func (l *Log) entry() *Entry { return &Entry{Entry: logrus.NewEntry(l.Logger)} }

func (l *Log) WithComponent(component string) *Entry { return l.entry().WithComponent(component) }

// WithMarket tags the record with the exchange it belongs to.
func (l *Log) WithMarket(market string) *Entry { return l.entry().WithMarket(market) }

func (l *Log) WithFields(fields Fields) *Entry { return l.entry().WithFields(fields) }

func (l *Log) WithError(err error) *Entry { return l.entry().WithError(err) }

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithMarket(market string) *Entry {
	return &Entry{Entry: e.Entry.WithField("market", market)}
}

// WithSeverity records a market severity code by name, e.g. "transport".
func (e *Entry) WithSeverity(code fmt.Stringer) *Entry {
	return &Entry{Entry: e.Entry.WithField("severity", code.String())}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

func (e *Entry) Warn(args ...interface{}) {
	recordWarn(e.label("component"), e.label("market"))
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	recordError(e.label("component"), e.label("market"))
	e.Entry.Error(args...)
}

func (e *Entry) label(key string) string {
	s, _ := e.Entry.Data[key].(string)
	return s
}

// Configure applies the logging section of the config file. LOG_LEVEL, when
// set, wins over the configured level. An output other than stdout or
// stderr is a file path, rotated by lumberjack when MaxAge is positive.
func (l *Log) Configure(cfg appconfig.LoggingConfig) error {
	level := cfg.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	l.SetReportCaller(true)

	switch cfg.Format {
	case "json", "":
		l.SetFormatter(jsonFormatter())
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	default:
		return fmt.Errorf("invalid log format '%s'", cfg.Format)
	}

	out, err := openOutput(cfg.Output, cfg.MaxAge)
	if err != nil {
		return err
	}
	l.SetOutput(out)
	return nil
}

func openOutput(output string, maxAge int) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if maxAge > 0 {
		return &lumberjack.Logger{
			Filename: output,
			MaxAge:   maxAge,
			MaxSize:  100,
			Compress: true,
		}, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", output, err)
	}
	return file, nil
}

// LogPerformanceEntry records how long an exchange or bootstrap step took.
func LogPerformanceEntry(entry *Entry, component string, operation string, duration time.Duration, fields Fields) {
	if fields == nil {
		fields = make(Fields)
	}
	fields["duration_ms"] = float64(duration.Nanoseconds()) / 1e6
	fields["operation"] = operation

	entry.WithFields(fields).WithComponent(component).Debug("performance metric")
}
