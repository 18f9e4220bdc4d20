// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLevelTrace sits below Debug; pion's trace output is only useful
// when chasing ICE or SCTP bugs.
const slogLevelTrace = slog.LevelDebug - 4

// loggerFactory routes pion's internal logging into slog, tagging each
// line with the pion subsystem that produced it.
type loggerFactory struct {
	logger *slog.Logger
}

var _ logging.LoggerFactory = loggerFactory{}

// NewLoggerFactory returns a pion LoggerFactory writing to logger.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return loggerFactory{logger: logger}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{logger: f.logger.With("pion", scope)}
}

type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) log(level slog.Level, message string) {
	l.logger.Log(context.Background(), level, message)
}

func (l *leveledLogger) logf(level slog.Level, format string, args ...any) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Trace(message string) { l.log(slogLevelTrace, message) }
func (l *leveledLogger) Tracef(format string, args ...any) { l.logf(slogLevelTrace, format, args...) }
func (l *leveledLogger) Debug(message string) { l.log(slog.LevelDebug, message) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *leveledLogger) Info(message string) { l.log(slog.LevelInfo, message) }
func (l *leveledLogger) Infof(format string, args ...any) { l.logf(slog.LevelInfo, format, args...) }
func (l *leveledLogger) Warn(message string) { l.log(slog.LevelWarn, message) }
func (l *leveledLogger) Warnf(format string, args ...any) { l.logf(slog.LevelWarn, format, args...) }
func (l *leveledLogger) Error(message string) { l.log(slog.LevelError, message) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
