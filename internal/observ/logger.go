package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a structured logger: JSON in production, colored
// console otherwise. debug forces the development encoder at debug level.
func NewLogger(env, level string, debug bool) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" && !debug {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	if debug {
		zapLevel = zapcore.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build(zap.Fields(zap.String("service", "nicotrack-notifier")))
}
