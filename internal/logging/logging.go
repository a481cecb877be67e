// Package logging builds the zap loggers used by the command line tools.
package logging

import "go.uber.org/zap"

// New returns a zap logger. Debug selects the development config
// (console output, debug level); otherwise the production JSON config is used.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Must is New for main packages: on error it falls back to a no-op logger.
func Must(debug bool) *zap.Logger {
	logger, err := New(debug)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
