// Copyright 2021 Anapaya Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides a thin wrapper around zap with leveled, key-value
// structured logging. Loggers carry context as alternating key-value pairs,
// and can be embedded in and recovered from a context.Context.
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger describes the logger interface.
type Logger interface {
	New(ctx ...interface{}) Logger
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Enabled(lvl Level) bool
}

// Level is the log level.
type Level = zapcore.Level

// Available log levels.
const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	ErrorLevel = zapcore.ErrorLevel
)

type logger struct {
	logger *zap.Logger
}

func (l *logger) New(ctx ...interface{}) Logger {
	return &logger{logger: l.logger.With(convertCtx(ctx)...)}
}

func (l *logger) Debug(msg string, ctx ...interface{}) {
	l.logger.Debug(msg, convertCtx(ctx)...)
}

func (l *logger) Info(msg string, ctx ...interface{}) {
	l.logger.Info(msg, convertCtx(ctx)...)
}

func (l *logger) Error(msg string, ctx ...interface{}) {
	l.logger.Error(msg, convertCtx(ctx)...)
}

func (l *logger) Enabled(lvl Level) bool {
	return l.logger.Core().Enabled(lvl)
}

func convertCtx(ctx []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(ctx[i]), ctx[i+1]))
	}
	return fields
}

var root = defaultLogger()

func defaultLogger() *logger {
	l, _ := consoleLogger(InfoLevel)
	return l
}

func consoleLogger(lvl Level) (*logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	cfg.OutputPaths = []string{"stderr"}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &logger{logger: l}, nil
}

// Config configures the logging output.
type Config struct {
	// Console holds the configuration for the console logging output.
	Console ConsoleConfig
}

// ConsoleConfig configures the console output.
type ConsoleConfig struct {
	// Level of the console logging output. Defaults to info.
	Level string
}

// Setup configures the package-level root logger. It must be called before
// the root logger is used from multiple goroutines.
func Setup(cfg Config) error {
	lvl := InfoLevel
	if cfg.Console.Level != "" {
		if err := lvl.UnmarshalText([]byte(cfg.Console.Level)); err != nil {
			return err
		}
	}
	l, err := consoleLogger(lvl)
	if err != nil {
		return err
	}
	root = l
	return nil
}

// Root returns the root logger. It's guaranteed to never return nil.
func Root() Logger {
	return root
}

// New creates a logger with the given context, derived from the root logger.
func New(ctx ...interface{}) Logger {
	return root.New(ctx...)
}

// Debug logs at debug level on the root logger.
func Debug(msg string, ctx ...interface{}) {
	root.Debug(msg, ctx...)
}

// Info logs at info level on the root logger.
func Info(msg string, ctx ...interface{}) {
	root.Info(msg, ctx...)
}

// Error logs at error level on the root logger.
func Error(msg string, ctx ...interface{}) {
	root.Error(msg, ctx...)
}

// Flush writes any buffered log entries.
func Flush() {
	_ = root.logger.Sync()
}

// Discard sets the root logger to discard all entries. Useful in tests.
func Discard() {
	root = &logger{logger: zap.NewNop()}
}

// DiscardLogger returns a logger that discards all entries.
func DiscardLogger() Logger {
	return &logger{logger: zap.NewNop()}
}
