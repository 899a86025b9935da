// Package logging provides structured logging built on logrus, with stream
// separation (errors to stderr, everything else to stdout) and a
// context-scoped helper used throughout the sync subsystem.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is one of the standard severities.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Config configures a root logger.
type Config struct {
	Level      Level
	Format     string // "json" or "text"
	Component  string
	AddCaller  bool
	TimeFormat string
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     "text",
		TimeFormat: time.RFC3339,
	}
}

// outputSplitter routes error-level lines to stderr and everything else to
// stdout, so containerized deployments can apply different handling per
// stream without parsing log content themselves.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte(`"level":"error"`)) || bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// New creates a logrus.Logger configured per cfg.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: timeFormat, FullTimestamp: true})
	}

	logger.SetReportCaller(cfg.AddCaller)
	logger.SetOutput(outputSplitter{})

	return logger
}

// Root is the process-wide logger, initialized with defaults. The CLI
// replaces it at startup with one built from the loaded configuration;
// ContextLoggers created before that keep the logger they were given.
var Root = New(DefaultConfig())

// ContextLogger carries a fixed set of structured fields through a
// component's lifetime, adding more per call site without mutating a shared
// instance.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger scopes logger (or Root, if nil) with the given base fields.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Root
	}
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &ContextLogger{logger: logger, fields: base}
}

func (cl *ContextLogger) clone(add logrus.Fields) *ContextLogger {
	merged := make(logrus.Fields, len(cl.fields)+len(add))
	for k, v := range cl.fields {
		merged[k] = v
	}
	for k, v := range add {
		merged[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: merged}
}

func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	return cl.clone(logrus.Fields{key: value})
}

func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	add := make(logrus.Fields, len(fields))
	for k, v := range fields {
		add[k] = v
	}
	return cl.clone(add)
}

func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.clone(logrus.Fields{"error": err.Error()})
}

// WithContext pulls well-known correlation values out of ctx, if present.
func (cl *ContextLogger) WithContext(ctx context.Context) *ContextLogger {
	add := logrus.Fields{}
	if v := ctx.Value(ctxKeyConfigID); v != nil {
		add["config_id"] = v
	}
	if v := ctx.Value(ctxKeyDocID); v != nil {
		add["doc_id"] = v
	}
	if len(add) == 0 {
		return cl
	}
	return cl.clone(add)
}

type ctxKey int

const (
	ctxKeyConfigID ctxKey = iota
	ctxKeyDocID
)

// WithConfigID returns a context carrying config_id for WithContext to pick up.
func WithConfigID(ctx context.Context, configID string) context.Context {
	return context.WithValue(ctx, ctxKeyConfigID, configID)
}

// WithDocID returns a context carrying doc_id for WithContext to pick up.
func WithDocID(ctx context.Context, docID string) context.Context {
	return context.WithValue(ctx, ctxKeyDocID, docID)
}

func (cl *ContextLogger) Debug(msg string)                          { cl.logger.WithFields(cl.fields).Debug(msg) }
func (cl *ContextLogger) Debugf(format string, args ...interface{}) { cl.logger.WithFields(cl.fields).Debugf(format, args...) }
func (cl *ContextLogger) Info(msg string)                           { cl.logger.WithFields(cl.fields).Info(msg) }
func (cl *ContextLogger) Infof(format string, args ...interface{})  { cl.logger.WithFields(cl.fields).Infof(format, args...) }
func (cl *ContextLogger) Warn(msg string)                           { cl.logger.WithFields(cl.fields).Warn(msg) }
func (cl *ContextLogger) Warnf(format string, args ...interface{})  { cl.logger.WithFields(cl.fields).Warnf(format, args...) }
func (cl *ContextLogger) Error(msg string)                          { cl.logger.WithFields(cl.fields).Error(msg) }
func (cl *ContextLogger) Errorf(format string, args ...interface{}) { cl.logger.WithFields(cl.fields).Errorf(format, args...) }
func (cl *ContextLogger) Fatal(msg string)                          { cl.logger.WithFields(cl.fields).Fatal(msg) }

// Component scopes Root with a "component" field; the common entrypoint used
// by every package in this module.
func Component(name string) *ContextLogger {
	return NewContextLogger(Root, map[string]interface{}{"component": name})
}

// LogDuration returns a func to be deferred; it logs the elapsed time under
// "operation" when called.
func LogDuration(logger *ContextLogger, operation string) func() {
	start := time.Now()
	return func() {
		logger.WithFields(map[string]interface{}{
			"operation":   operation,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("operation completed")
	}
}

// LogPanic recovers from a panic in the calling goroutine and logs it with a
// stack trace. Deferred at the top of the worker loops and the config-store
// watch goroutine so one bad source doesn't take the process down; the
// detectors' own goroutines do not defer it.
func LogPanic(logger *ContextLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		logger.WithFields(map[string]interface{}{
			"panic":      fmt.Sprintf("%v", r),
			"stacktrace": string(buf[:n]),
		}).Error("panic recovered")
	}
}
