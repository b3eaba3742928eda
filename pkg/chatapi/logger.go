package chatapi

import (
	"fmt"
	"log/slog"
)

// Logger is the interface for logging in chatapi.
type Logger interface {
	ErrorPrintf(format string, args ...any)
	WarnPrintf(format string, args ...any)
	InfoPrintf(format string, args ...any)
	DebugPrintf(format string, args ...any)
}

type defaultLogger struct{}

// DefaultLogger returns the default logger instance using slog.
func DefaultLogger() Logger {
	return defaultLogger{}
}

func (defaultLogger) ErrorPrintf(format string, args ...any) {
	slog.Error("chatapi: " + fmt.Sprintf(format, args...))
}

func (defaultLogger) WarnPrintf(format string, args ...any) {
	slog.Warn("chatapi: " + fmt.Sprintf(format, args...))
}

func (defaultLogger) InfoPrintf(format string, args ...any) {
	slog.Info("chatapi: " + fmt.Sprintf(format, args...))
}

func (defaultLogger) DebugPrintf(format string, args ...any) {
	slog.Debug("chatapi: " + fmt.Sprintf(format, args...))
}

// SlogLogger creates a Logger from a slog.Logger.
func SlogLogger(l *slog.Logger) Logger {
	return &slogLogger{l}
}

type slogLogger struct {
	*slog.Logger
}

func (s *slogLogger) ErrorPrintf(format string, args ...any) {
	s.Logger.Error("chatapi: " + fmt.Sprintf(format, args...))
}

func (s *slogLogger) WarnPrintf(format string, args ...any) {
	s.Logger.Warn("chatapi: " + fmt.Sprintf(format, args...))
}

func (s *slogLogger) InfoPrintf(format string, args ...any) {
	s.Logger.Info("chatapi: " + fmt.Sprintf(format, args...))
}

func (s *slogLogger) DebugPrintf(format string, args ...any) {
	s.Logger.Debug("chatapi: " + fmt.Sprintf(format, args...))
}
