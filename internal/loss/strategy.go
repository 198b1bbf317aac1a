package loss

import (
	"errors"
	"fmt"
)

// Masking selects how pixels that violate the rigid-scene assumption are
// kept out of the reprojection loss. Exactly one variant is active.
type Masking interface {
	// Name is the short identifier used in logs.
	Name() string
}

// AutoMask compares every warped candidate against the unwarped neighbour
// and keeps the per-pixel minimum.
type AutoMask struct {
	// TieBreakNoise is the standard deviation of the Gaussian noise added to
	// the identity candidates before the minimum.
	TieBreakNoise float64
}

// PredictiveMask multiplies the reprojection loss by a learned mask and
// pulls the mask toward one with a binary cross-entropy term.
type PredictiveMask struct {
	Weight float64
}

// NoMasking uses the reprojection loss as is.
type NoMasking struct{}

func (AutoMask) Name() string       { return "automask" }
func (PredictiveMask) Name() string { return "predictive_mask" }
func (NoMasking) Name() string      { return "none" }

// AttentionReweight scales the reprojection loss up inside attention masks,
// smaller masks receiving more weight.
type AttentionReweight struct {
	Threshold float64
}

// EdgeAlignment measures how much disparity edge energy lies inside small
// attention regions.
type EdgeAlignment struct {
	Threshold  float64
	MaxArea    float64
	Low, High  float64
	Weight     float64
	Kernel     int
	Iterations int
}

// Strategy is the loss configuration fixed when a Composer is built.
type Strategy struct {
	Masking         Masking
	AvgReprojection bool
	NoSSIM          bool
	Reweight        *AttentionReweight
	Edge            *EdgeAlignment
}

// DefaultTieBreakNoise is the magnitude of the automask tie-break noise.
const DefaultTieBreakNoise = 1e-5

// DefaultStrategy returns automasking with SSIM and no extensions.
func DefaultStrategy() Strategy {
	return Strategy{Masking: AutoMask{TieBreakNoise: DefaultTieBreakNoise}}
}

// DefaultAttentionReweight returns the reweighting extension with its usual threshold.
func DefaultAttentionReweight() *AttentionReweight {
	return &AttentionReweight{Threshold: 0.7}
}

// DefaultEdgeAlignment returns the edge extension with its usual settings.
func DefaultEdgeAlignment() *EdgeAlignment {
	return &EdgeAlignment{
		Threshold:  0.7,
		MaxArea:    12500,
		Low:        0.15,
		High:       0.16,
		Weight:     2e-4,
		Kernel:     5,
		Iterations: 3,
	}
}

// NeedsAttention reports whether the strategy reads attention masks.
func (s Strategy) NeedsAttention() bool {
	return s.Reweight != nil || s.Edge != nil
}

// Validate rejects strategies whose fields are out of range.
func (s Strategy) Validate() error {
	switch m := s.Masking.(type) {
	case nil:
		return errors.New("loss: masking strategy is required")
	case AutoMask:
		if m.TieBreakNoise < 0 {
			return fmt.Errorf("loss: tie-break noise must be >= 0, got %g", m.TieBreakNoise)
		}
	case PredictiveMask:
		if m.Weight < 0 {
			return fmt.Errorf("loss: predictive mask weight must be >= 0, got %g", m.Weight)
		}
	case NoMasking:
	default:
		return fmt.Errorf("loss: unknown masking %T", m)
	}
	if s.Reweight != nil && (s.Reweight.Threshold <= 0 || s.Reweight.Threshold > 1) {
		return fmt.Errorf("loss: attention threshold must be in (0, 1], got %g", s.Reweight.Threshold)
	}
	if e := s.Edge; e != nil {
		if e.Threshold <= 0 || e.Threshold > 1 {
			return fmt.Errorf("loss: edge threshold must be in (0, 1], got %g", e.Threshold)
		}
		if e.MaxArea <= 0 {
			return fmt.Errorf("loss: edge mask ceiling must be > 0, got %g", e.MaxArea)
		}
		if e.Low < 0 || e.High < e.Low {
			return fmt.Errorf("loss: edge thresholds low=%g high=%g", e.Low, e.High)
		}
		if e.Kernel < 1 || e.Iterations < 0 {
			return fmt.Errorf("loss: erosion kernel=%d iterations=%d", e.Kernel, e.Iterations)
		}
	}
	return nil
}
