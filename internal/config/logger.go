package config

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds a zap logger: "console" gives the development encoder,
// anything else JSON.
func (c LoggingConfig) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}
