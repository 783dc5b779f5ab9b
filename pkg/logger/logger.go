// Package logger is the process-wide log sink. Before Init every call is a
// no-op, so library packages can log unconditionally.
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Init.
type Options struct {
	Path       string // log file; rotated by size
	Level      string // debug, info, warn, error (default info)
	MaxSizeMB  int
	MaxBackups int

	// Console, when set, also receives warnings and errors in console format.
	Console io.Writer
}

var (
	globalLogger = zap.NewNop()
	logFile      *lumberjack.Logger
	mu           sync.Mutex
)

// Init initializes the global logger. Calling it again replaces the previous
// logger and closes its file.
func Init(opts Options) error {
	if opts.Path == "" && opts.Console == nil {
		return fmt.Errorf("logger: no output configured")
	}

	level := zap.NewAtomicLevel()
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return fmt.Errorf("logger: invalid level %q: %w", opts.Level, err)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var (
		cores []zapcore.Core
		file  *lumberjack.Logger
	)
	if opts.Path != "" {
		file = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), level))
	}
	if opts.Console != nil {
		consoleLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapcore.WarnLevel && level.Enabled(l)
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(opts.Console), consoleLevel))
	}

	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		_ = globalLogger.Sync()
		logFile.Close()
	}
	logFile = file
	globalLogger = zap.New(zapcore.NewTee(cores...))
	return nil
}

// Close flushes and closes the log file. The logger reverts to a no-op.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	_ = globalLogger.Sync()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	globalLogger = zap.NewNop()
}

// L returns the structured logger.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return globalLogger
}

// Info logs an info message.
func Info(format string, v ...interface{}) {
	L().Sugar().Infof(format, v...)
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) {
	L().Sugar().Debugf(format, v...)
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	L().Sugar().Errorf(format, v...)
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	L().Sugar().Warnf(format, v...)
}

// GetWriter returns the raw log file writer, for subprocess output.
func GetWriter() io.Writer {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		return logFile
	}
	return io.Discard
}
