package dataset

import (
	"context"

	"depthforge/internal/frames"
)

// Memory serves prepared bundles in order on every pass.
type Memory struct {
	bundles []*frames.Bundle
}

// NewMemory returns a provider over bundles.
func NewMemory(bundles ...*frames.Bundle) *Memory {
	return &Memory{bundles: bundles}
}

// Len returns the number of bundles.
func (m *Memory) Len() int { return len(m.bundles) }

// Batches replays the bundles.
func (m *Memory) Batches(ctx context.Context) (<-chan *frames.Bundle, <-chan error) {
	out := make(chan *frames.Bundle)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for _, b := range m.bundles {
			select {
			case <-ctx.Done():
				return
			case out <- b:
			}
		}
	}()
	return out, errCh
}
