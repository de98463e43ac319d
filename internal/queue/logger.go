package queue

import (
	"fmt"
	"log/slog"
	"os"
)

// SlogLogger adapts the backend's logger interface onto slog.
type SlogLogger struct {
	Logger *slog.Logger
}

func (l SlogLogger) log() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l SlogLogger) Debug(args ...interface{}) { l.log().Debug(fmt.Sprint(args...)) }
func (l SlogLogger) Info(args ...interface{})  { l.log().Info(fmt.Sprint(args...)) }
func (l SlogLogger) Warn(args ...interface{})  { l.log().Warn(fmt.Sprint(args...)) }
func (l SlogLogger) Error(args ...interface{}) { l.log().Error(fmt.Sprint(args...)) }

func (l SlogLogger) Fatal(args ...interface{}) {
	l.log().Error(fmt.Sprint(args...))
	os.Exit(1)
}
