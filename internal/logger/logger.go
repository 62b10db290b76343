// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package logger provides the global structured logger used across the
// consensus core.
package logger

import (
	"log"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger supports structured logging.
type Logger interface {
	Debugw(msg string, keyValues ...interface{})
	Infow(msg string, keyValues ...interface{})
	Warnw(msg string, keyValues ...interface{})
	Errorw(msg string, keyValues ...interface{})
	Fatalw(msg string, keyValues ...interface{})
}

type zapLogger struct {
	logger *zap.SugaredLogger
}

var _ Logger = (*zapLogger)(nil)

func (zl *zapLogger) Debugw(msg string, kv ...interface{}) { zl.logger.Debugw(msg, kv...) }
func (zl *zapLogger) Infow(msg string, kv ...interface{})  { zl.logger.Infow(msg, kv...) }
func (zl *zapLogger) Warnw(msg string, kv ...interface{})  { zl.logger.Warnw(msg, kv...) }
func (zl *zapLogger) Errorw(msg string, kv ...interface{}) { zl.logger.Errorw(msg, kv...) }
func (zl *zapLogger) Fatalw(msg string, kv ...interface{}) { zl.logger.Fatalw(msg, kv...) }

// Config controls logger construction.
type Config struct {
	Debug bool
	Level zapcore.Level
}

// New creates a production logger.
func New() Logger {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a new logger built from cfg.
func NewWithConfig(cfg Config) Logger {
	var (
		zl  *zap.Logger
		err error
	)
	if cfg.Debug {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction(zap.IncreaseLevel(cfg.Level))
	}
	if err != nil {
		log.Fatalf("cannot initialize zap logger: %v", err)
	}
	return &zapLogger{zl.Sugar()}
}

var (
	instance Logger
	once     sync.Once
)

// Init installs the process-wide logger. Only the first call takes effect.
func Init(l Logger) {
	once.Do(func() {
		instance = l
	})
}

// I returns the global Logger, initializing a default production logger on
// first use so packages can log before Init is called (e.g. in tests).
func I() Logger {
	once.Do(func() {
		if instance == nil {
			instance = New()
		}
	})
	if instance == nil {
		instance = New()
	}
	return instance
}
