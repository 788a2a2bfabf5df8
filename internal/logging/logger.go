// Package logging provides structured logging for the terminal and the server.
// Call sites pass context as a map; entries are written through zap.
package logging

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/truar/DepotVente-sub001/internal/config"
)

// Logger wraps a zap logger with an adjustable level.
type Logger struct {
	base  *zap.Logger
	zl    *zap.Logger
	level zap.AtomicLevel
}

var (
	mu     sync.RWMutex
	global *Logger
)

// New builds a Logger from cfg. When cfg.File is set, entries are also written
// to a size-rotated file.
func New(cfg config.LogConfig) (*Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}

	zc := zap.Config{
		Level:             level,
		Development:       cfg.Development,
		Encoding:          encoding,
		DisableCaller:     cfg.DisableCaller,
		DisableStacktrace: cfg.DisableStacktrace,
		EncoderConfig:     zap.NewProductionEncoderConfig(),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	if encoding == "console" {
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if cfg.Sampling {
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}

	var opts []zap.Option
	if cfg.File != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, level)
		opts = append(opts, zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	zl, err := zc.Build(opts...)
	if err != nil {
		return nil, err
	}
	return &Logger{base: zl, zl: zl.WithOptions(zap.AddCallerSkip(2)), level: level}, nil
}

// Wrap adapts an existing zap logger, typically zaptest or zap.NewNop in tests.
func Wrap(zl *zap.Logger) *Logger {
	return &Logger{base: zl, zl: zl, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

// Init replaces the global logger.
func Init(cfg config.LogConfig) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	SetGlobal(l)
	return nil
}

// SetGlobal installs l as the process logger.
func SetGlobal(l *Logger) {
	mu.Lock()
	global = l
	mu.Unlock()
}

// Get returns the global logger, creating a JSON info logger on first use.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		l, err := New(config.LogConfig{Level: "info", Encoding: "json"})
		if err != nil {
			l = Wrap(zap.NewNop())
		}
		global = l
	}
	return global
}

// Zap exposes the underlying logger for libraries that take a *zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// SetLevel changes the minimum level at runtime. Unknown names fall back to info.
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(parseLevel(level))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.zl.Debug(message, fields(nil, context)...)
}

func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.zl.Info(message, fields(nil, context)...)
}

func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.zl.Warn(message, fields(nil, context)...)
}

func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.zl.Error(message, fields(err, context)...)
}

// ErrorWithCode logs err together with a stable error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	fs := fields(err, context)
	fs = append(fs, zap.String("error_code", code))
	l.zl.Error(message, fs...)
}

// fields merges the context maps into sorted zap fields so output is stable.
func fields(err error, context []map[string]interface{}) []zap.Field {
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, zap.Any(k, merged[k]))
	}
	if err != nil {
		out = append(out, zap.Error(err))
	}
	return out
}

func parseLevel(name string) zapcore.Level {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(name)); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
