package api

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerLevel int

const (
	LogDebug   LoggerLevel = 0
	LogInfo    LoggerLevel = 1
	LogWarning LoggerLevel = 2
	LogError   LoggerLevel = 3
)

type Logger interface {
	Print(level LoggerLevel, kind string, v ...any)
	Println(level LoggerLevel, kind string, v ...any)
	Printf(level LoggerLevel, kind string, format string, v ...any)
}

// NoopLogger is a logger that does nothing
type NoopLogger int

func NewNoopLogger() *NoopLogger {
	return new(NoopLogger)
}

func (l *NoopLogger) Print(_ LoggerLevel, _ string, _ ...any)            {}
func (l *NoopLogger) Println(_ LoggerLevel, _ string, _ ...any)          {}
func (l *NoopLogger) Printf(_ LoggerLevel, _ string, _ string, _ ...any) {}

// ZerologLogger writes through a zerolog.Logger. The kind is attached as the "component" field.
type ZerologLogger struct {
	logger zerolog.Logger
}

func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

// Zerolog returns the underlying logger.
func (l *ZerologLogger) Zerolog() zerolog.Logger {
	return l.logger
}

func (l *ZerologLogger) event(level LoggerLevel, kind string) *zerolog.Event {
	var e *zerolog.Event
	switch level {
	case LogDebug:
		e = l.logger.Debug()
	case LogInfo:
		e = l.logger.Info()
	case LogWarning:
		e = l.logger.Warn()
	default:
		e = l.logger.Error()
	}
	return e.Str("component", kind)
}

func (l *ZerologLogger) Print(level LoggerLevel, kind string, v ...any) {
	l.event(level, kind).Msg(fmt.Sprint(v...))
}

func (l *ZerologLogger) Println(level LoggerLevel, kind string, v ...any) {
	msg := fmt.Sprintln(v...)
	l.event(level, kind).Msg(msg[:len(msg)-1])
}

func (l *ZerologLogger) Printf(level LoggerLevel, kind string, format string, v ...any) {
	l.event(level, kind).Msgf(format, v...)
}

// NewSimpleLogger returns a ZerologLogger that prints human readable lines to stderr for messages at or above logLevel
func NewSimpleLogger(logLevel LoggerLevel) *ZerologLogger {
	return newLeveledLogger(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}, logLevel)
}

// NewFileLogger returns a ZerologLogger writing JSON lines to a rotating file at path.
func NewFileLogger(path string, logLevel LoggerLevel) *ZerologLogger {
	return newLeveledLogger(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}, logLevel)
}

func newLeveledLogger(w io.Writer, logLevel LoggerLevel) *ZerologLogger {
	logger := zerolog.New(w).With().Timestamp().Logger().Level(zerologLevel(logLevel))
	return NewZerologLogger(logger)
}

func zerologLevel(level LoggerLevel) zerolog.Level {
	switch level {
	case LogDebug:
		return zerolog.DebugLevel
	case LogInfo:
		return zerolog.InfoLevel
	case LogWarning:
		return zerolog.WarnLevel
	}
	return zerolog.ErrorLevel
}

// ParseLoggerLevel maps "debug", "info", "warning"/"warn" and "error" to a LoggerLevel.
func ParseLoggerLevel(s string) (LoggerLevel, error) {
	switch s {
	case "debug":
		return LogDebug, nil
	case "info":
		return LogInfo, nil
	case "warning", "warn":
		return LogWarning, nil
	case "error":
		return LogError, nil
	}
	return LogInfo, fmt.Errorf("unknown log level %q", s)
}
