// Package logging builds the engine's zap loggers and provides sanitizers
// for values that may embed credentials before they reach a log line.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds a logger appropriate for the environment: JSON production
// logging for "production", human-readable development logging otherwise.
func New(env string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
