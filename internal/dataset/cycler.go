package dataset

import (
	"context"
	"errors"

	"depthforge/internal/frames"
)

// ErrEmptyPass is returned when a freshly started pass yields no batch.
var ErrEmptyPass = errors.New("dataset: pass yielded no batches")

// Cycler hands out one batch per call and restarts the provider's pass when
// it runs out.
type Cycler struct {
	provider Provider
	ctx      context.Context
	cancel   context.CancelFunc
	batches  <-chan *frames.Bundle
	errCh    <-chan error
}

// NewCycler wraps p. No pass is started until the first Next.
func NewCycler(p Provider) *Cycler {
	return &Cycler{provider: p}
}

// Next returns the next batch, starting a new pass at most once per call.
func (c *Cycler) Next(ctx context.Context) (*frames.Bundle, error) {
	fresh := false
	for {
		if c.batches == nil {
			c.start(ctx)
			fresh = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case b, ok := <-c.batches:
			if ok {
				return b, nil
			}
		}
		err := <-c.errCh
		c.stop()
		if err != nil {
			return nil, err
		}
		if fresh {
			return nil, ErrEmptyPass
		}
	}
}

// Close stops any running pass.
func (c *Cycler) Close() {
	c.stop()
}

func (c *Cycler) start(parent context.Context) {
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(parent))
	c.batches, c.errCh = c.provider.Batches(c.ctx)
}

func (c *Cycler) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.batches != nil {
		for range c.batches {
		}
	}
	c.cancel = nil
	c.batches, c.errCh = nil, nil
}
