package network

import (
	"fmt"
	"math/rand"

	"depthforge/internal/tensor"
)

// poseScale keeps initial pose predictions close to identity.
const poseScale = 0.01

// MeanPose regresses poses from the global colour mean of the stacked
// input frames.
type MeanPose struct {
	base
	inputs  int
	outputs int
	weight  *tensor.Tensor
	bias    *tensor.Tensor
}

// NewMeanPose returns a predictor taking inputs frames and emitting outputs poses.
func NewMeanPose(name string, inputs, outputs int, seed int64) *MeanPose {
	if inputs < 2 {
		inputs = 2
	}
	if outputs <= 0 {
		outputs = 1
	}
	rng := rand.New(rand.NewSource(seed))
	m := &MeanPose{base: base{name: name, training: true}, inputs: inputs, outputs: outputs}
	m.weight = m.param(rng, 0.1, "pose.weight", 6*outputs, 3*inputs)
	m.bias = m.param(nil, 0, "pose.bias", 6*outputs)
	return m
}

// Outputs implements PosePredictor.
func (m *MeanPose) Outputs() int { return m.outputs }

// PredictPose implements PosePredictor.
func (m *MeanPose) PredictPose(frames []*tensor.Tensor) ([]Pose, error) {
	if len(frames) != m.inputs {
		return nil, fmt.Errorf("network: %s expects %d frames, got %d", m.name, m.inputs, len(frames))
	}
	x := tensor.MeanAxes(tensor.Concat(1, frames...), 2, 3)
	out := tensor.MulScalar(tensor.ChannelMix(x, m.use(m.weight), m.use(m.bias)), poseScale)
	batch := out.Dim(0)
	poses := make([]Pose, m.outputs)
	for i := range poses {
		poses[i] = Pose{
			AxisAngle:   tensor.Reshape(tensor.Slice(out, 1, 6*i, 6*i+3), batch, 3),
			Translation: tensor.Reshape(tensor.Slice(out, 1, 6*i+3, 6*i+6), batch, 3),
		}
	}
	return poses, nil
}
