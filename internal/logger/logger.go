package logger

import (
	"io"
	"os"
	"syscall"
	"time"

	"codeberg.org/mutker/radioguard/internal/errors"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Options selects log outputs and verbosity.
type Options struct {
	Level     string
	IsService bool
	// File enables a rotated log file next to the console output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type zlog struct {
	zl zerolog.Logger
}

var (
	std    = &zlog{zl: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()}
	rotate *lumberjack.Logger
)

// Init initializes the logger based on the given options
func Init(opts Options) {
	console := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	if opts.IsService {
		console.TimeFormat = ""
		console.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	var out io.Writer = console
	if opts.File != "" {
		rotate = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, rotate)
	}

	std = &zlog{zl: zerolog.New(out).With().Timestamp().Logger()}

	SetLogLevel(ParseLevel(opts.Level))
}

// Close flushes and closes the rotated log file, if any.
func Close() error {
	if rotate == nil {
		return nil
	}
	return rotate.Close()
}

// ParseLevel maps a config level name to a LogLevel. Unknown names map to
// InfoLevel; config validation rejects them before this is reached.
func ParseLevel(level string) LogLevel {
	switch level {
	case "debug":
		return DebugLevel
	case "warning", "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// New returns a Logger writing to w, mainly for tests.
func New(w io.Writer) Logger {
	return &zlog{zl: zerolog.New(w).With().Timestamp().Logger()}
}

// Default returns the process-wide logger configured by Init.
func Default() Logger {
	return std
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zlog{zl: zerolog.Nop()}
}

func (l *zlog) Debug() *LogEvent { return &LogEvent{l.zl.Debug()} }
func (l *zlog) Info() *LogEvent  { return &LogEvent{l.zl.Info()} }
func (l *zlog) Warn() *LogEvent  { return &LogEvent{l.zl.Warn()} }
func (l *zlog) Error() *LogEvent { return &LogEvent{l.zl.Error()} }

func (l *zlog) ErrorWithCode(err errors.Error) *LogEvent {
	return &LogEvent{l.zl.Error().
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

func (l *zlog) With(component string) Logger {
	return &zlog{zl: l.zl.With().Str("component", component).Logger()}
}

// Debug logs a debug message
func Debug() *LogEvent {
	return std.Debug()
}

// Info logs an info message
func Info() *LogEvent {
	return std.Info()
}

// Warn logs a warning message
func Warn() *LogEvent {
	return std.Warn()
}

// Error logs an error message
func Error() *LogEvent {
	return std.Error()
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return std.ErrorWithCode(err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{std.zl.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return &LogEvent{std.zl.Fatal().
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}
