/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package logging provides component loggers for flystream.

Loggers are backed by zap. Every logger belongs to a component ("mux",
"producer", "consumer", ...) and takes key/value pairs after the message.
Level, output and encoding are global and may change at any time: loggers
pick up the new settings on their next call. When a file is configured the
output is rotated by lumberjack.
*/
package logging

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents the severity of a log message.
type Level int

const (
	// DEBUG level for detailed debugging information.
	DEBUG Level = iota
	// INFO level for general operational information.
	INFO
	// WARN level for warning conditions.
	WARN
	// ERROR level for error conditions.
	ERROR
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses a string into a Level.
func ParseLevel(s string) Level {
	switch s {
	case "DEBUG", "debug":
		return DEBUG
	case "INFO", "info":
		return INFO
	case "WARN", "warn", "WARNING", "warning":
		return WARN
	case "ERROR", "error":
		return ERROR
	default:
		return INFO
	}
}

// Config holds logger configuration options.
type Config struct {
	Level    Level
	Output   io.Writer
	JSONMode bool

	// File, when set, replaces Output with a rotated log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:      INFO,
		Output:     os.Stderr,
		JSONMode:   false,
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

var (
	globalMu     sync.Mutex
	globalConfig = DefaultConfig()
	globalLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	globalBase   atomic.Pointer[zap.Logger]
	generation   atomic.Uint64
)

func init() {
	rebuild()
}

// Configure replaces the whole global configuration.
func Configure(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	globalConfig = cfg
	rebuildLocked()
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.Level = level
	globalLevel.SetLevel(level.zapLevel())
}

// SetGlobalOutput sets the global log output.
func SetGlobalOutput(w io.Writer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.Output = w
	globalConfig.File = ""
	rebuildLocked()
}

// SetJSONMode enables or disables JSON output mode.
func SetJSONMode(enabled bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.JSONMode = enabled
	rebuildLocked()
}

// Sync flushes buffered output.
func Sync() error {
	return globalBase.Load().Sync()
}

func rebuild() {
	globalMu.Lock()
	defer globalMu.Unlock()
	rebuildLocked()
}

func rebuildLocked() {
	cfg := globalConfig
	globalLevel.SetLevel(cfg.Level.zapLevel())

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	var encoder zapcore.Encoder
	if cfg.JSONMode {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
			Compress:   cfg.Compress,
		})
	} else {
		sink = zapcore.Lock(zapcore.AddSync(cfg.Output))
	}

	globalBase.Store(zap.New(zapcore.NewCore(encoder, sink, globalLevel)))
	generation.Add(1)
}

type cachedSugar struct {
	gen   uint64
	sugar *zap.SugaredLogger
}

// Logger provides structured logging for one component.
type Logger struct {
	component string
	fields    []interface{}
	cache     atomic.Pointer[cachedSugar]
}

// NewLogger creates a new Logger for the specified component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// With returns a logger that adds the given key/value pairs to every entry.
func (l *Logger) With(args ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(args))
	fields = append(fields, l.fields...)
	fields = append(fields, args...)
	return &Logger{component: l.component, fields: fields}
}

func (l *Logger) sugar() *zap.SugaredLogger {
	gen := generation.Load()
	if c := l.cache.Load(); c != nil && c.gen == gen {
		return c.sugar
	}
	s := globalBase.Load().Named(l.component).Sugar()
	if len(l.fields) > 0 {
		s = s.With(l.fields...)
	}
	l.cache.Store(&cachedSugar{gen: gen, sugar: s})
	return s
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return globalLevel.Enabled(level.zapLevel())
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.sugar().Debugw(msg, args...)
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.sugar().Infow(msg, args...)
}

// Warn logs a message at WARN level.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.sugar().Warnw(msg, args...)
}

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.sugar().Errorw(msg, args...)
}
