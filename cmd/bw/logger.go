package main

import (
	"fmt"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marcus/beadwork/internal/flush"
)

// setupLogger creates a rotating log file for the host and returns a
// log function the coordinator can use.
func setupLogger(logPath string) (*lumberjack.Logger, flush.Logger) {
	logF := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}

	logf := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		timestamp := time.Now().Format("2006-01-02 15:04:05")
		_, _ = fmt.Fprintf(logF, "[%s] %s\n", timestamp, msg)
	}

	return logF, logf
}
