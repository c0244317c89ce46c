package pipeline

import (
	"fmt"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
)

var (
	errIndexOutOfRange = errors.NewStd("result index out of range")
	errDuplicateIndex  = errors.NewStd("duplicate result index")
	errIncomplete      = errors.NewStd("run ended before all results arrived")
)

// collector reorders results by index. Out-of-order arrivals are held until
// every lower index has been released. When keep is false released results
// are dropped after counting, so memory is bounded by the reorder buffer.
type collector struct {
	n         int
	keep      bool
	next      int
	pending   map[int]*detection.Result
	out       []*detection.Result
	highWater int
}

func newCollector(n int, keep bool) *collector {
	c := &collector{
		n:       n,
		keep:    keep,
		pending: make(map[int]*detection.Result),
		out:     []*detection.Result{},
	}
	if keep {
		c.out = make([]*detection.Result, 0, n)
	}
	return c
}

// add accepts one result and releases every result that is now in order.
func (c *collector) add(r *detection.Result) error {
	switch {
	case r.Index < 0 || r.Index >= c.n:
		return c.fail(fmt.Errorf("%w: %d not in [0,%d)", errIndexOutOfRange, r.Index, c.n))
	case r.Index < c.next:
		return c.fail(fmt.Errorf("%w: %d", errDuplicateIndex, r.Index))
	}
	if _, dup := c.pending[r.Index]; dup {
		return c.fail(fmt.Errorf("%w: %d", errDuplicateIndex, r.Index))
	}

	c.pending[r.Index] = r
	for {
		nr, ok := c.pending[c.next]
		if !ok {
			break
		}
		delete(c.pending, c.next)
		c.release(nr)
		c.next++
	}
	c.highWater = max(c.highWater, len(c.pending))
	return nil
}

func (c *collector) release(r *detection.Result) {
	if c.keep {
		c.out = append(c.out, r)
		return
	}
	r.Release()
}

// received returns how many results have been released in order.
func (c *collector) received() int { return c.next }

// results returns the ordered results once all n have arrived.
func (c *collector) results() ([]*detection.Result, error) {
	if c.next != c.n {
		return nil, c.fail(fmt.Errorf("%w: %d of %d", errIncomplete, c.next, c.n))
	}
	return c.out, nil
}

// discard drops everything collected so far.
func (c *collector) discard() {
	for _, r := range c.out {
		r.Release()
	}
	for _, r := range c.pending {
		r.Release()
	}
	c.out = nil
	clear(c.pending)
}

func (c *collector) fail(err error) error {
	return errors.New(err).
		Component("pipeline").
		Category(errors.CategoryPipeline).
		Build()
}
