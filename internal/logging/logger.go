// Package logging provides the structured logger shared by every
// component of the backup engine.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey namespaces values stored on a context.Context.
type ContextKey string

const (
	RunIDKey   ContextKey = "run_id"
	JobIDKey   ContextKey = "job_id"
	NodeIDKey  ContextKey = "node_id"
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with the fields every subsystem attaches.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a Logger for the given service name, level and format
// ("json" or "text").
func New(service, level, format string) *Logger {
	base := logrus.New()

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	base.SetLevel(parsed)

	if format == "text" {
		base.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	base.SetOutput(os.Stdout)

	return &Logger{Logger: base, service: service}
}

// NewFromEnv builds a Logger using LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithRun returns an entry tagged with job/run identifiers, the shape
// every backup-pipeline and reconciler log line carries.
func (l *Logger) WithRun(jobID, runID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"job_id":  jobID,
		"run_id":  runID,
	})
}

// WithContext pulls run/job/node identifiers out of ctx, when present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if v := ctx.Value(RunIDKey); v != nil {
		entry = entry.WithField("run_id", v)
	}
	if v := ctx.Value(JobIDKey); v != nil {
		entry = entry.WithField("job_id", v)
	}
	if v := ctx.Value(NodeIDKey); v != nil {
		entry = entry.WithField("node_id", v)
	}
	return entry
}
