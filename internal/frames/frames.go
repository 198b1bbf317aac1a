package frames

import (
	"fmt"
	"math"
	"strconv"

	"depthforge/internal/tensor"
)

// FrameID identifies an image relative to the target frame: 0 is the target,
// signed offsets are temporal neighbours and Stereo is the other camera.
type FrameID int

const (
	// Target is the frame whose depth is predicted.
	Target FrameID = 0
	// Stereo is the synthetic id of the opposite stereo camera.
	Stereo FrameID = math.MaxInt32
)

// IsStereo reports whether f is the stereo frame.
func (f FrameID) IsStereo() bool { return f == Stereo }

func (f FrameID) String() string {
	if f == Stereo {
		return "s"
	}
	return strconv.Itoa(int(f))
}

// ParseFrameID accepts "s" or a signed integer.
func ParseFrameID(s string) (FrameID, error) {
	if s == "s" {
		return Stereo, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("frame id %q: %w", s, err)
	}
	return FrameID(v), nil
}

// Role names what an image in the bundle is used for.
type Role uint8

const (
	// Color images feed the reprojection loss.
	Color Role = iota
	// ColorAug images feed the predictors.
	ColorAug
)

func (r Role) String() string {
	switch r {
	case Color:
		return "color"
	case ColorAug:
		return "color_aug"
	}
	return "role(" + strconv.Itoa(int(r)) + ")"
}

// Key addresses one image tensor in a bundle.
type Key struct {
	Role  Role
	Frame FrameID
	Scale int
}

// FrameScale addresses per-frame, per-scale outputs.
type FrameScale struct {
	Frame FrameID
	Scale int
}

// Bundle is one batch of training examples.
type Bundle struct {
	Keys []string

	// Images holds (B,3,H/2^s,W/2^s) tensors in [0, 1].
	Images map[Key]*tensor.Tensor
	// K and InvK hold one (B,4,4) intrinsics pair per scale.
	K    []*tensor.Tensor
	InvK []*tensor.Tensor

	// StereoT is the (B,4,4) transform to the stereo camera, nil for mono data.
	StereoT *tensor.Tensor
	// DepthGT is the (B,1,h,w) ground truth depth in metres, 0 where unknown.
	DepthGT *tensor.Tensor
	// Attention holds (B,M,H,W) confidence-weighted masks at scale 0.
	Attention *tensor.Tensor
}

// BatchSize returns the number of examples in the bundle.
func (b *Bundle) BatchSize() int { return len(b.Keys) }

// Image returns the tensor for (role, frame, scale) or nil.
func (b *Bundle) Image(role Role, frame FrameID, scale int) *tensor.Tensor {
	return b.Images[Key{Role: role, Frame: frame, Scale: scale}]
}

// Outputs collects everything derived from a bundle during one forward pass.
type Outputs struct {
	// Disp holds the sigmoid disparity per scale.
	Disp map[int]*tensor.Tensor
	// Depth holds depth per scale at the resolution used for warping.
	Depth map[int]*tensor.Tensor
	// AxisAngle and Translation hold raw (B,3) pose predictions.
	AxisAngle   map[FrameID]*tensor.Tensor
	Translation map[FrameID]*tensor.Tensor
	// CamT holds the (B,4,4) transform from the target camera to each frame.
	CamT map[FrameID]*tensor.Tensor
	// Sample holds the (B,2,H,W) sampling grids.
	Sample map[FrameScale]*tensor.Tensor
	// Warped holds the neighbours resampled into the target view.
	Warped map[FrameScale]*tensor.Tensor
	// PredictiveMask holds the (B,F,h,w) mask head output per scale.
	PredictiveMask map[int]*tensor.Tensor
	// IdentitySelection marks, per scale and pixel, where a warped candidate
	// beat every identity candidate. Diagnostics only.
	IdentitySelection map[int]*tensor.Tensor
}

// NewOutputs returns an Outputs with every map allocated.
func NewOutputs() *Outputs {
	return &Outputs{
		Disp:              make(map[int]*tensor.Tensor),
		Depth:             make(map[int]*tensor.Tensor),
		AxisAngle:         make(map[FrameID]*tensor.Tensor),
		Translation:       make(map[FrameID]*tensor.Tensor),
		CamT:              make(map[FrameID]*tensor.Tensor),
		Sample:            make(map[FrameScale]*tensor.Tensor),
		Warped:            make(map[FrameScale]*tensor.Tensor),
		PredictiveMask:    make(map[int]*tensor.Tensor),
		IdentitySelection: make(map[int]*tensor.Tensor),
	}
}
