package config

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. JSON is the default so Cloud Logging can parse fields;
// LOG_FORMAT=text is handy when running the batch tools from a terminal.
func NewLogger(level string, format string) *logrus.Logger {
	return newLogger(level, format, os.Stdout)
}

func newLogger(level string, format string, out io.Writer) *logrus.Logger {
	logg := logrus.New()
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		logg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logg.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logg.SetLevel(lvl)
	logg.SetOutput(out)
	return logg
}

func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	if logger == nil || err == nil {
		return
	}
	if data != nil {
		logger.WithFields(logrus.Fields{
			"module":   moduleName,
			"funcName": funcName,
			"context":  context,
			"data":     data,
		}).Error(err.Error())
	} else {
		logger.WithFields(logrus.Fields{
			"module":   moduleName,
			"funcName": funcName,
			"context":  context,
		}).Error(err.Error())
	}
}
