// Package buildinfo holds version metadata injected at link time.
package buildinfo

import (
	"fmt"

	"github.com/google/uuid"
)

// UnknownValue is reported for metadata the build did not set.
const UnknownValue = "unknown"

// Context contains build metadata that is not user-configurable.
type Context struct {
	// Version is the git tag the binary was built from
	Version string
	// BuildDate is the time the binary was built
	BuildDate string
	// SystemID identifies this process in error telemetry
	SystemID string
}

// New returns build metadata with a fresh SystemID.
func New(version, buildDate string) *Context {
	return &Context{Version: version, BuildDate: buildDate, SystemID: uuid.NewString()}
}

// GetVersion returns the version or UnknownValue. Safe on a nil receiver.
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date or UnknownValue.
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// GetSystemID returns the system id or UnknownValue.
func (c *Context) GetSystemID() string {
	if c == nil || c.SystemID == "" {
		return UnknownValue
	}
	return c.SystemID
}

func (c *Context) String() string {
	return fmt.Sprintf("detectpipe %s (built %s)", c.GetVersion(), c.GetBuildDate())
}
