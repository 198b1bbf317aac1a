package network

import (
	"fmt"
	"math/rand"
	"sort"

	"depthforge/internal/tensor"
)

// PixelDepth predicts every scale from an average-pooled copy of the input
// followed by a per-pixel linear map and a sigmoid.
type PixelDepth struct {
	base
	scales   []int
	channels int
	weights  map[int]*tensor.Tensor
	biases   map[int]*tensor.Tensor
}

// NewPixelDepth returns a predictor emitting channels maps per scale.
func NewPixelDepth(name string, scales []int, channels int, seed int64) *PixelDepth {
	if channels <= 0 {
		channels = 1
	}
	if len(scales) == 0 {
		scales = []int{0}
	}
	rng := rand.New(rand.NewSource(seed))
	m := &PixelDepth{
		base:     base{name: name, training: true},
		scales:   append([]int(nil), scales...),
		channels: channels,
		weights:  make(map[int]*tensor.Tensor),
		biases:   make(map[int]*tensor.Tensor),
	}
	sort.Ints(m.scales)
	for _, s := range m.scales {
		m.weights[s] = m.param(rng, 0.1, fmt.Sprintf("disp%d.weight", s), channels, 3)
		m.biases[s] = m.param(nil, 0, fmt.Sprintf("disp%d.bias", s), channels)
	}
	return m
}

// Channels returns the number of maps emitted per scale.
func (m *PixelDepth) Channels() int { return m.channels }

// PredictDisparity implements DepthPredictor.
func (m *PixelDepth) PredictDisparity(img *tensor.Tensor) map[int]*tensor.Tensor {
	out := make(map[int]*tensor.Tensor, len(m.scales))
	x := img
	level := 0
	for _, s := range m.scales {
		for level < s {
			x = tensor.AvgPool2(x)
			level++
		}
		out[s] = tensor.Sigmoid(tensor.ChannelMix(x, m.use(m.weights[s]), m.use(m.biases[s])))
	}
	return out
}
