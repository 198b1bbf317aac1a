// Package network defines the predictor interfaces the trainer drives and
// small reference predictors that satisfy them.
package network

import (
	"fmt"
	"math/rand"

	"depthforge/internal/tensor"
)

// Component is a trainable model part with named parameters.
type Component interface {
	Name() string
	// Parameters returns the live parameter tensors; each carries a unique Name.
	Parameters() []*tensor.Tensor
	// SetTraining switches between graph-building and detached evaluation.
	SetTraining(training bool)
}

// DepthPredictor maps a (B,3,H,W) image to one sigmoid map per scale,
// scale s having resolution H/2^s × W/2^s.
type DepthPredictor interface {
	Component
	PredictDisparity(img *tensor.Tensor) map[int]*tensor.Tensor
}

// Pose is one relative pose prediction, both fields (B,3).
type Pose struct {
	AxisAngle   *tensor.Tensor
	Translation *tensor.Tensor
}

// PosePredictor maps a group of (B,3,H,W) frames to Outputs() poses.
type PosePredictor interface {
	Component
	Outputs() int
	PredictPose(frames []*tensor.Tensor) ([]Pose, error)
}

// base holds the parameter bookkeeping shared by the reference predictors.
type base struct {
	name     string
	params   []*tensor.Tensor
	training bool
}

func (b *base) Name() string                 { return b.name }
func (b *base) Parameters() []*tensor.Tensor { return b.params }
func (b *base) SetTraining(training bool)    { b.training = training }

// use returns p, or a detached view of it in evaluation mode.
func (b *base) use(p *tensor.Tensor) *tensor.Tensor {
	if b.training {
		return p
	}
	return p.Detach()
}

func (b *base) param(rng *rand.Rand, scale float64, name string, shape ...int) *tensor.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float64, n)
	if rng != nil {
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * scale
		}
	}
	p := tensor.Param(data, shape...)
	p.Name = fmt.Sprintf("%s.%s", b.name, name)
	b.params = append(b.params, p)
	return p
}
