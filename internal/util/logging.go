package util

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// ConfigureLogging applies a level and format ("text" or "json") to the
// standard logrus logger.
func ConfigureLogging(level, format string) error {
	return ConfigureLogger(logrus.StandardLogger(), os.Stderr, level, format)
}

// ConfigureLogger applies level and format to l, writing to out.
func ConfigureLogger(l *logrus.Logger, out io.Writer, level, format string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch strings.ToLower(format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("log format %q: want text or json", format)
	}
	l.SetOutput(out)
	l.SetLevel(lvl)
	return nil
}
