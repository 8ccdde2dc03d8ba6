package cmd

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger adapts a sugared zap logger to doorman.Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
func (l zapLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l zapLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l zapLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }

func newLogger(level string) (*zap.Logger, error) {
	if strings.ToLower(level) == "debug" {
		return zap.NewDevelopment()
	}
	config := zap.NewProductionConfig()
	config.EncoderConfig.CallerKey = zapcore.OmitKey
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	return config.Build()
}
