package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the daemon logger from c.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level := "info"
	if c.Level != "" {
		level = c.Level
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	cc := zap.NewProductionConfig()
	cc.DisableCaller = true
	cc.Level = lvl
	cc.Sampling = nil
	cc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	switch c.Format {
	case "", "json":
		cc.Encoding = "json"
	case "console":
		cc.Encoding = "console"
		cc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("log format %q: want json or console", c.Format)
	}
	return cc.Build()
}
