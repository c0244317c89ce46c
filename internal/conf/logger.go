package conf

import "github.com/tphakala/detectpipe/internal/logger"

// GetLogger returns the configuration module logger. It is looked up on each
// call because config is loaded before the central logger is installed.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
