// Package logging defines the Logger interface that is used by every component of a group member.
// It also includes functions for setting the global log level and per-component log levels.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mut         sync.RWMutex
	logLevel    = zap.NewAtomicLevelAt(zap.InfoLevel)
	namedLevels = make(map[string]zap.AtomicLevel)
)

// ParseLevel parses a log level name.
func ParseLevel(level string) (zapcore.Level, error) {
	return zapcore.ParseLevel(strings.ToLower(level))
}

func mustParseLevel(level string) zapcore.Level {
	l, err := ParseLevel(level)
	if err != nil {
		panic("invalid log level '" + level + "'")
	}
	return l
}

// SetLogLevel sets the global log level.
// Loggers that do not have a named level follow the global level, including loggers created earlier.
func SetLogLevel(levelStr string) {
	logLevel.SetLevel(mustParseLevel(levelStr))
}

// SetPackageLogLevel sets a log level for all loggers whose name starts with name, overriding the global level.
// It only affects loggers created after the call.
func SetPackageLogLevel(name, levelStr string) {
	level := mustParseLevel(levelStr)
	mut.Lock()
	defer mut.Unlock()
	if lvl, ok := namedLevels[name]; ok {
		lvl.SetLevel(level)
		return
	}
	namedLevels[name] = zap.NewAtomicLevelAt(level)
}

// levelFor returns the level enabler used by a logger with the given name.
// The longest matching name prefix wins.
func levelFor(name string) zapcore.LevelEnabler {
	mut.RLock()
	defer mut.RUnlock()
	var (
		best    string
		enabler zapcore.LevelEnabler = logLevel
	)
	for k, v := range namedLevels {
		if strings.HasPrefix(name, k) && len(k) > len(best) {
			best = k
			enabler = v
		}
	}
	return enabler
}

// Logger is the logging interface used by the group member components. It is based on zap.SugaredLogger.
type Logger interface {
	Debug(args ...any)
	Debugf(template string, args ...any)
	Info(args ...any)
	Infof(template string, args ...any)
	Warn(args ...any)
	Warnf(template string, args ...any)
	Error(args ...any)
	Errorf(template string, args ...any)
	DPanic(args ...any)
	DPanicf(template string, args ...any)
	Panic(args ...any)
	Panicf(template string, args ...any)
	Fatal(args ...any)
	Fatalf(template string, args ...any)
}

func encoderConfig() (zapcore.EncoderConfig, bool) {
	if strings.ToLower(os.Getenv("TOMCAST_LOG_TYPE")) == "json" {
		return zap.NewProductionEncoderConfig(), true
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg, false
}

// New returns a new logger for stderr with the given name.
func New(name string) Logger {
	cfg, json := encoderConfig()
	var enc zapcore.Encoder
	if json {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), levelFor(name))
	return zap.New(core, zap.AddCaller(), zap.Development()).Sugar().Named(name)
}

// NewWithDest returns a new logger for the given destination with the given name.
func NewWithDest(dest io.Writer, name string) Logger {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(dest), levelFor(name))
	return zap.New(core).Sugar().Named(name)
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return zap.NewNop().Sugar()
}
