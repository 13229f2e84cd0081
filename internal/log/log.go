// Package log configures the process-wide structured logger.
package log

import (
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Logger is the entry type handed to pipeline components.
type Logger = *logrus.Entry

var entry Logger

// Init builds the root logger. Production runs emit JSON lines; everything
// else gets colored text. Every line carries a per-process trace id so
// interleaved runs can be told apart in aggregated logs.
func Init(environment, level string) Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:      true,
			FullTimestamp:    false,
			QuoteEmptyFields: true,
		})
	}

	entry = logger.WithField("trace_id", uuid.New().String())
	return entry
}

// WithRun attaches the run key as a global field on the shared entry.
func WithRun(runKey string) Logger {
	entry = Get().WithField("run", runKey)
	return entry
}

// Get returns the shared entry, initializing a default logger if Init was
// never called (tests, library use).
func Get() Logger {
	if entry == nil {
		return Init("development", "info")
	}
	return entry
}
