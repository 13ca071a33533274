package agent

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns the agent logger. Debug switches to the development
// encoder and debug level.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.DisableStacktrace = !debug

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named("inspector"), nil
}
