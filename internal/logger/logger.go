package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Valid levels: debug, info, warn, error, fatal, panic.
func New(production bool, level string) (*zap.SugaredLogger, error) {
	config := zap.NewDevelopmentConfig()
	if production {
		config = zap.NewProductionConfig()
	}
	if level != "" {
		lvl := zapcore.Level(0)
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, err := config.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar().Named("roomserver"), nil
}

// Nop returns a logger that discards everything, used by tests and optional dependencies.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
