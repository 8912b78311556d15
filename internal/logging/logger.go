package logging

import (
	"io"

	runtime "github.com/banzaicloud/logrus-runtime-formatter"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

func NewLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()

	logger.Level = ParseLevel(logLevel)

	runtimeFormatter := &runtime.Formatter{
		ChildFormatter: &logrus.JSONFormatter{},
		File:           true,
		Line:           true,
		BaseNameOnly:   true,
	}

	logger.SetFormatter(runtimeFormatter)

	return logger
}

// NewDiscardLogger returns a logger that writes nowhere, for tests.
func NewDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard

	return logger
}

// ParseLevel maps a configured level to a logrus level, defaulting to info.
func ParseLevel(logLevel string) logrus.Level {
	switch types.LogLevel(logLevel) {
	case types.LogLevelDebug:
		return logrus.DebugLevel
	case types.LogLevelTrace:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}
