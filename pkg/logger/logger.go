// Package logger provides structured logging for gasbank services.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger and stamps every entry with the owning service.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger for the named service. Unknown levels fall back to
// info, and any format other than "text" selects JSON output.
func New(service, level, format string) *Logger {
	l := logrus.New()

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	if strings.EqualFold(format, "text") {
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, service: service}
}

// NewDefault creates a Logger with info level and JSON output.
func NewDefault(service string) *Logger {
	return New(service, "info", "json")
}

// NewFromEnv constructs a Logger using the LOG_LEVEL and LOG_FORMAT
// environment variables, defaulting to "info" and "json" when unset.
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

// Service returns the service name the logger was created with.
func (l *Logger) Service() string {
	return l.service
}

// WithField returns an entry carrying the service name and the given field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		key:       value,
	})
}

// WithFields returns an entry carrying the service name and the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError returns an entry carrying the service name and the error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithField("service", l.service).WithError(err)
}
