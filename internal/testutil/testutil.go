// Package testutil provides shared helpers for detectpipe tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Common test timeout constants.
const (
	// DefaultTestTimeout is the standard timeout for most async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 1 * time.Second

	// LongTestTimeout covers stress runs on slow CI machines.
	LongTestTimeout = 30 * time.Second
)

// WaitForChannel waits for a signal on the channel or fails after timeout.
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// Context returns a context cancelled after timeout or at test cleanup.
func Context(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Pixels returns a w*h*c buffer where every byte of pixel i equals byte(i+seed).
// Distinct seeds give distinguishable images.
func Pixels(w, h, c int, seed byte) []byte {
	buf := make([]byte, w*h*c)
	for i := range w * h {
		v := byte(i) + seed
		for k := range c {
			buf[i*c+k] = v
		}
	}
	return buf
}

// RowPixels returns a w*h*c buffer where every byte in row y equals byte(y).
// Useful for asserting vertical flips.
func RowPixels(w, h, c int) []byte {
	buf := make([]byte, w*h*c)
	stride := w * c
	for y := range h {
		for x := range stride {
			buf[y*stride+x] = byte(y)
		}
	}
	return buf
}

// WriteFile writes content to name inside dir and returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
