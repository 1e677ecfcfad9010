package utils

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel of the diode
type LogLevel uint8

const logEnv = "DIODE_LOG_LEVEL"

const (
	// LogLevelNothing disables
	LogLevelNothing LogLevel = iota
	// LogLevelError enables err logs
	LogLevelError
	// LogLevelWarn enables warnings, e.g. dropped blocks and aborted connections
	LogLevelWarn
	// LogLevelInfo enables info logs (e.g. configuration and lifecycle)
	LogLevelInfo
	// LogLevelDebug enables debug logs (e.g. every block)
	LogLevelDebug
)

// A Logger logs.
type Logger interface {
	SetLogLevel(LogLevel)
	WithPrefix(prefix string) Logger
	Debug() bool

	Errorf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Sync() error
}

// DefaultLogger is used by the diode for logging.
var DefaultLogger Logger

type defaultLogger struct {
	// the level is shared by all loggers derived with WithPrefix
	level  zap.AtomicLevel
	logger *zap.SugaredLogger
}

var _ Logger = &defaultLogger{}

// NewLogger creates a logger writing human readable lines to w.
func NewLogger(w zapcore.WriteSyncer, level LogLevel) Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	l := &defaultLogger{level: zap.NewAtomicLevel()}
	l.SetLogLevel(level)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), w, l.level)
	l.logger = zap.New(core).Sugar()
	return l
}

// SetLogLevel sets the log level
func (l *defaultLogger) SetLogLevel(level LogLevel) {
	l.level.SetLevel(zapLevel(level))
}

func zapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		// nothing is ever logged at fatal level
		return zapcore.FatalLevel
	}
}

// WithPrefix derives a logger whose lines are tagged with prefix.
func (l *defaultLogger) WithPrefix(prefix string) Logger {
	return &defaultLogger{level: l.level, logger: l.logger.Named(prefix)}
}

// Debug returns true if the log level is LogLevelDebug
func (l *defaultLogger) Debug() bool {
	return l.level.Enabled(zapcore.DebugLevel)
}

// Debugf logs something
func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Infof logs something
func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// Warnf logs something
func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

// Errorf logs something
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *defaultLogger) Sync() error {
	return l.logger.Sync()
}

// ParseLogLevel parses one of debug, info, warn, error or nothing.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "":
		return LogLevelNothing, nil
	case "debug":
		return LogLevelDebug, nil
	case "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	case "nothing", "off":
		return LogLevelNothing, nil
	default:
		return LogLevelNothing, fmt.Errorf("invalid value for %s: %q", logEnv, s)
	}
}

func init() {
	level, err := ParseLogLevel(os.Getenv(logEnv))
	DefaultLogger = NewLogger(zapcore.Lock(os.Stderr), level)
	if err != nil {
		DefaultLogger.SetLogLevel(LogLevelError)
		DefaultLogger.Errorf("%s", err)
	}
}
