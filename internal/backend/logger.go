package backend

import (
	"sync"

	"github.com/tphakala/detectpipe/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the backend package logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("backend")
	})
	return serviceLogger
}
