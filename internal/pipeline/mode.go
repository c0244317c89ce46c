package pipeline

import (
	"fmt"
	"strings"

	"github.com/tphakala/detectpipe/internal/errors"
)

// Mode selects an execution strategy.
type Mode string

const (
	// Sequential runs one backend call per image on the calling goroutine.
	Sequential Mode = "Sequential"
	// BatchSequential runs one backend call per batch on the calling goroutine.
	BatchSequential Mode = "BatchSequential"
	// ChannelPipeline runs single images through concurrent stages.
	ChannelPipeline Mode = "ChannelPipeline"
	// BatchChannelPipeline runs batches through concurrent stages.
	BatchChannelPipeline Mode = "BatchChannelPipeline"
)

// DefaultMode is used when no mode is configured.
const DefaultMode = BatchChannelPipeline

// Modes lists every mode in declaration order.
func Modes() []Mode {
	return []Mode{Sequential, BatchSequential, ChannelPipeline, BatchChannelPipeline}
}

// ParseMode parses a mode name. Matching is case-sensitive.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes() {
		if string(m) == s {
			return m, nil
		}
	}
	names := make([]string, 0, len(Modes()))
	for _, m := range Modes() {
		names = append(names, string(m))
	}
	return "", errors.New(fmt.Errorf("%w: %q, expected one of %s", ErrUnknownMode, s, strings.Join(names, ", "))).
		Component("pipeline").
		Category(errors.CategoryConfiguration).
		Build()
}

func (m Mode) String() string { return string(m) }

// Batched reports whether the mode groups images into batches of the
// configured size. Unbatched modes always use a batch size of one.
func (m Mode) Batched() bool {
	return m == BatchSequential || m == BatchChannelPipeline
}

// Pipelined reports whether the mode runs concurrent stages.
func (m Mode) Pipelined() bool {
	return m == ChannelPipeline || m == BatchChannelPipeline
}
