package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from the log section.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		l, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("config: log level: %w", err)
		}
		level = l
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format != "json" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.Level = level
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("config: create log directory: %w", err)
		}
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.FilePath)
	}

	log, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("config: build logger: %w", err)
	}
	return log, nil
}
