package internal

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the encoding and level of the process logger
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // console or json
}

var (
	logLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger   atomic.Pointer[zap.Logger]
)

func init() {
	l, err := buildLogger(LogConfig{Format: "console"})
	if err != nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// ConfigureLogging rebuilds the process logger
func ConfigureLogging(cfg LogConfig) error {
	if cfg.Level != "" {
		if err := logLevel.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	l, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

func buildLogger(cfg LogConfig) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = logLevel
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.DisableStacktrace = true
	config.Sampling = nil
	switch cfg.Format {
	case "", "console":
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		if IsTerminal(os.Stderr) {
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	case "json":
		config.Encoding = "json"
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return config.Build()
}

// L returns the process logger
func L() *zap.Logger {
	return logger.Load()
}

// SetLogger replaces the process logger. Tests pass zaptest loggers here.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// SetVerbose enables verbose (debug) logging
func SetVerbose(verbose bool) {
	if verbose {
		logLevel.SetLevel(zapcore.DebugLevel)
	} else {
		logLevel.SetLevel(zapcore.InfoLevel)
	}
}

// Verbose reports whether debug logging is on
func Verbose() bool {
	return logLevel.Enabled(zapcore.DebugLevel)
}

// LogError logs an error message
func LogError(format string, args ...interface{}) {
	L().Sugar().Errorf(format, args...)
}

// LogWarn logs a warning message
func LogWarn(format string, args ...interface{}) {
	L().Sugar().Warnf(format, args...)
}

// LogInfo logs an info message
func LogInfo(format string, args ...interface{}) {
	L().Sugar().Infof(format, args...)
}

// LogDebug logs a debug message
func LogDebug(format string, args ...interface{}) {
	L().Sugar().Debugf(format, args...)
}
