package loss

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"depthforge/internal/frames"
	"depthforge/internal/tensor"
)

// ErrMissingInput is returned when a bundle or output lacks a tensor the
// strategy needs.
var ErrMissingInput = errors.New("loss: missing input")

// Config lists the bundle layout the composer scores.
type Config struct {
	Scales []int
	// FrameIDs starts with the target; every other id is a warp source.
	FrameIDs     []frames.FrameID
	Smoothness   float64
	V1Multiscale bool
}

// Losses is the result of one Compute call.
type Losses struct {
	// Total is the scalar optimised by the trainer.
	Total *tensor.Tensor

	PerScale           map[int]float64
	Reprojection       map[int]float64
	Smoothness         map[int]float64
	MaskRegularization map[int]float64

	Edge      float64
	EdgeMasks int
}

// Scalars flattens the losses into event-sink tags.
func (l *Losses) Scalars() map[string]float64 {
	out := map[string]float64{"loss": l.Total.Item()}
	for s, v := range l.PerScale {
		out["loss/"+strconv.Itoa(s)] = v
	}
	for s, v := range l.Reprojection {
		out["reprojection/"+strconv.Itoa(s)] = v
	}
	for s, v := range l.Smoothness {
		out["smoothness/"+strconv.Itoa(s)] = v
	}
	for s, v := range l.MaskRegularization {
		out["mask_reg/"+strconv.Itoa(s)] = v
	}
	if l.EdgeMasks > 0 {
		out["edge"] = l.Edge
	}
	return out
}

// Composer turns a bundle and its predictions into the training loss.
type Composer struct {
	cfg      Config
	strategy Strategy
	rng      *rand.Rand
}

// NewComposer validates cfg and strategy. rng drives the automask tie-break;
// callers own its seeding.
func NewComposer(cfg Config, strategy Strategy, rng *rand.Rand) (*Composer, error) {
	if len(cfg.Scales) == 0 {
		return nil, errors.New("loss: at least one scale is required")
	}
	if len(cfg.FrameIDs) < 2 || cfg.FrameIDs[0] != frames.Target {
		return nil, fmt.Errorf("loss: frame ids %v must start with the target and name a source", cfg.FrameIDs)
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	scales := append([]int(nil), cfg.Scales...)
	sort.Ints(scales)
	cfg.Scales = scales
	return &Composer{cfg: cfg, strategy: strategy, rng: rng}, nil
}

// Strategy returns the strategy the composer was built with.
func (c *Composer) Strategy() Strategy { return c.strategy }

// Compute scores every scale and averages the per-scale losses.
// IdentitySelection diagnostics are written into out.
func (c *Composer) Compute(b *frames.Bundle, out *frames.Outputs) (*Losses, error) {
	res := &Losses{
		PerScale:           make(map[int]float64),
		Reprojection:       make(map[int]float64),
		Smoothness:         make(map[int]float64),
		MaskRegularization: make(map[int]float64),
	}

	if c.strategy.NeedsAttention() && (b.Attention == nil || b.Attention.Dim(1) == 0) {
		return nil, fmt.Errorf("%w: attention masks", ErrMissingInput)
	}
	var weight, binary *tensor.Tensor
	if c.strategy.NeedsAttention() {
		if rw := c.strategy.Reweight; rw != nil {
			binary = Threshold(b.Attention, rw.Threshold)
			weight = WeightMap(binary, AttentionWeights(binary))
		}
		if e := c.strategy.Edge; e != nil {
			disp := out.Disp[0]
			if disp == nil {
				return nil, fmt.Errorf("%w: disparity at scale 0", ErrMissingInput)
			}
			res.Edge, res.EdgeMasks = EdgeEnergy(disp, b.Attention, *e)
		}
	}

	var total *tensor.Tensor
	for _, scale := range c.cfg.Scales {
		loss, err := c.scaleLoss(b, out, scale, weight, res)
		if err != nil {
			return nil, err
		}
		res.PerScale[scale] = loss.Item()
		if total == nil {
			total = loss
		} else {
			total = tensor.Add(total, loss)
		}
	}
	res.Total = tensor.MulScalar(total, 1/float64(len(c.cfg.Scales)))
	return res, nil
}

func (c *Composer) scaleLoss(b *frames.Bundle, out *frames.Outputs, scale int, weight *tensor.Tensor, res *Losses) (*tensor.Tensor, error) {
	source := 0
	if c.cfg.V1Multiscale {
		source = scale
	}
	disp := out.Disp[scale]
	color := b.Image(frames.Color, frames.Target, scale)
	target := b.Image(frames.Color, frames.Target, source)
	if disp == nil || color == nil || target == nil {
		return nil, fmt.Errorf("%w: disparity or target colour at scale %d", ErrMissingInput, scale)
	}
	h, w := target.Dim(2), target.Dim(3)
	if weight != nil && (weight.Dim(2) != h || weight.Dim(3) != w) {
		weight = tensor.ResizeBilinear(weight, h, w)
	}

	sources := c.cfg.FrameIDs[1:]
	warped := make([]*tensor.Tensor, 0, len(sources))
	for _, f := range sources {
		pred := out.Warped[frames.FrameScale{Frame: f, Scale: scale}]
		if pred == nil {
			return nil, fmt.Errorf("%w: warped frame %s at scale %d", ErrMissingInput, f, scale)
		}
		warped = append(warped, Reprojection(pred, target, weight, c.strategy.NoSSIM))
	}
	reprojection := tensor.Concat(1, warped...)

	var loss *tensor.Tensor
	var identity *tensor.Tensor
	switch m := c.strategy.Masking.(type) {
	case AutoMask:
		ids := make([]*tensor.Tensor, 0, len(sources))
		for _, f := range sources {
			src := b.Image(frames.Color, f, source)
			if src == nil {
				return nil, fmt.Errorf("%w: colour frame %s at scale %d", ErrMissingInput, f, source)
			}
			ids = append(ids, Reprojection(src, target, weight, c.strategy.NoSSIM))
		}
		identity = tensor.Concat(1, ids...)
		if c.strategy.AvgReprojection {
			identity = tensor.MeanAxes(identity, 1)
		}
	case PredictiveMask:
		mask := out.PredictiveMask[scale]
		if mask == nil {
			return nil, fmt.Errorf("%w: predictive mask at scale %d", ErrMissingInput, scale)
		}
		if !c.cfg.V1Multiscale {
			mask = tensor.ResizeBilinear(mask, h, w)
		}
		reprojection = tensor.Mul(reprojection, mask)
		reg := tensor.MulScalar(BCEToOne(mask), m.Weight)
		res.MaskRegularization[scale] = reg.Item()
		loss = reg
	}

	if c.strategy.AvgReprojection {
		reprojection = tensor.MeanAxes(reprojection, 1)
	}

	combined := reprojection
	if identity != nil {
		identity = c.tieBreak(identity)
		combined = tensor.Concat(1, identity, reprojection)
	}

	toOptimise := combined
	if combined.Dim(1) > 1 {
		var idx []int
		toOptimise, idx = tensor.MinAxis1(combined)
		if identity != nil {
			out.IdentitySelection[scale] = identitySelection(idx, identity.Dim(1), toOptimise.Shape())
		}
	}
	reproj := tensor.Mean(toOptimise)
	res.Reprojection[scale] = reproj.Item()
	loss = addTo(loss, reproj)

	smooth := Smoothness(NormalizeDisparity(disp), color)
	res.Smoothness[scale] = smooth.Item()
	loss = tensor.Add(loss, tensor.MulScalar(smooth, c.cfg.Smoothness/math.Pow(2, float64(scale))))

	if e := c.strategy.Edge; e != nil && res.EdgeMasks > 0 {
		loss = tensor.AddScalar(loss, e.Weight*res.Edge)
	}
	return loss, nil
}

// tieBreak adds zero-mean Gaussian noise to the identity candidates.
func (c *Composer) tieBreak(identity *tensor.Tensor) *tensor.Tensor {
	am, _ := c.strategy.Masking.(AutoMask)
	if am.TieBreakNoise == 0 {
		return identity
	}
	noise := make([]float64, identity.Len())
	for i := range noise {
		noise[i] = c.rng.NormFloat64() * am.TieBreakNoise
	}
	return tensor.Add(identity, tensor.New(noise, identity.Shape()...))
}

func identitySelection(idx []int, nIdentity int, shape []int) *tensor.Tensor {
	data := make([]float64, len(idx))
	for i, k := range idx {
		if k > nIdentity-1 {
			data[i] = 1
		}
	}
	return tensor.New(data, shape...)
}

func addTo(acc, v *tensor.Tensor) *tensor.Tensor {
	if acc == nil {
		return v
	}
	return tensor.Add(acc, v)
}
