package observability

import (
	"strings"
	"sync"

	"github.com/tphakala/detectpipe/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the observability package logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("telemetry")
	})
	return serviceLogger
}

// logWriter adapts promhttp's error log to the structured logger.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	GetLogger().Error("metrics handler error", logger.String("message", strings.TrimSpace(string(p))))
	return len(p), nil
}
