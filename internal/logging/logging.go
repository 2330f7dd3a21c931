// Package logging installs the process-wide logrus configuration and hands
// out component-scoped entries, the way go/flowctl/logging.go and
// go/flow/ops configure and wrap logrus for Flow.
package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Config mirrors flowctl.LogConfig: a level and an output format, both
// validated against a fixed choice set.
type Config struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// Init installs cfg onto the package-level logrus logger. It is called once
// at process startup, before any component is wired.
func Init(cfg Config) error {
	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{})
	case "color":
		logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true})
	default:
		return fmt.Errorf("unrecognized log format %q", cfg.Format)
	}

	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("unrecognized log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(lvl)
	return nil
}

// For returns a logger entry scoped to a named component, e.g.
// logging.For("gateway"). Call sites add further fields
// (requestId, sessionId, backend) with WithField/WithFields on the
// returned entry.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
