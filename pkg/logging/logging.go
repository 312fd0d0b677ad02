// Package logging builds the logrus loggers used by the atlas binaries
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config selects the level and format of a logger
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Output defaults to stderr
	Output io.Writer `yaml:"-"`
}

// DefaultConfig logs at info level as text
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatText}
}

// Validate checks the level and format names
func (c Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	if _, err := formatter(c.Format); err != nil {
		return err
	}
	return nil
}

// New creates a logger from cfg
func New(cfg Config) (*logrus.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	f, err := formatter(cfg.Format)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(f)
	if cfg.Output != nil {
		logger.SetOutput(cfg.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}
	return logger, nil
}

func parseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func formatter(name string) (logrus.Formatter, error) {
	switch strings.ToLower(name) {
	case "", FormatText:
		return &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		}, nil
	case FormatJSON:
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}, nil
	}
	return nil, fmt.Errorf("invalid log format %q", name)
}
