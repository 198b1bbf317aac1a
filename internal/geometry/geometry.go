// Package geometry implements view synthesis: lifting target pixels to 3D
// with predicted depth, moving them into a neighbouring camera, and producing
// the normalised sampling grid used to resample that neighbour.
package geometry

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"depthforge/internal/tensor"
)

// DefaultEpsilon guards the homogeneous division in Project.
const DefaultEpsilon = 1e-7

// Intrinsics holds a 4x4 camera matrix normalised by image size.
type Intrinsics struct {
	K *mat.Dense
}

// KITTI returns the normalised intrinsics used for the KITTI raw sequences.
func KITTI() Intrinsics {
	return Intrinsics{K: mat.NewDense(4, 4, []float64{
		0.58, 0, 0.5, 0,
		0, 1.92, 0.5, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})}
}

// Scaled returns pixel-unit K and its inverse for an image of width x height
// downsampled by 2^scale.
func (in Intrinsics) Scaled(width, height, scale int) (k, inv *mat.Dense, err error) {
	if in.K == nil {
		return nil, nil, errors.New("geometry: intrinsics not set")
	}
	w := float64(width >> uint(scale))
	h := float64(height >> uint(scale))
	k = mat.DenseCopyOf(in.K)
	for c := 0; c < 4; c++ {
		k.Set(0, c, k.At(0, c)*w)
		k.Set(1, c, k.At(1, c)*h)
	}
	inv = mat.NewDense(4, 4, nil)
	if err := inv.Inverse(k); err != nil {
		return nil, nil, fmt.Errorf("geometry: invert intrinsics at scale %d: %w", scale, err)
	}
	return k, inv, nil
}

// Repeat stacks a 4x4 matrix batch times into a (B,4,4) constant tensor.
func Repeat(m mat.Matrix, batch int) *tensor.Tensor {
	r, c := m.Dims()
	data := make([]float64, 0, batch*r*c)
	for b := 0; b < batch; b++ {
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				data = append(data, m.At(i, j))
			}
		}
	}
	return tensor.New(data, batch, r, c)
}

// DispToDepth maps a sigmoid disparity to depth bounded by [minDepth, maxDepth].
func DispToDepth(disp *tensor.Tensor, minDepth, maxDepth float64) (scaled, depth *tensor.Tensor) {
	minDisp := 1 / maxDepth
	maxDisp := 1 / minDepth
	scaled = tensor.AddScalar(tensor.MulScalar(disp, maxDisp-minDisp), minDisp)
	return scaled, tensor.Reciprocal(scaled)
}

// Backprojector lifts a depth map of fixed size into camera-space points.
type Backprojector struct {
	batch, height, width int
	pix                  *tensor.Tensor
	ones                 *tensor.Tensor
}

// NewBackprojector precomputes the homogeneous pixel grid.
func NewBackprojector(batch, height, width int) *Backprojector {
	hw := height * width
	grid := make([]float64, 0, batch*3*hw)
	for b := 0; b < batch; b++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				grid = append(grid, float64(x))
			}
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				grid = append(grid, float64(y))
			}
		}
		for i := 0; i < hw; i++ {
			grid = append(grid, 1)
		}
	}
	return &Backprojector{
		batch:  batch,
		height: height,
		width:  width,
		pix:    tensor.New(grid, batch, 3, hw),
		ones:   tensor.Full(1, batch, 1, hw),
	}
}

// Backproject returns (B,4,H*W) homogeneous points for depth (B,1,H,W) and
// inverse intrinsics (B,4,4).
func (p *Backprojector) Backproject(depth, invK *tensor.Tensor) *tensor.Tensor {
	hw := p.height * p.width
	inv3 := tensor.Slice(tensor.Slice(invK, 1, 0, 3), 2, 0, 3)
	rays := tensor.BatchMatMul(inv3, p.pix)
	cam := tensor.Mul(tensor.Reshape(depth, p.batch, 1, hw), rays)
	return tensor.Concat(1, cam, p.ones)
}

// Projector maps camera-space points into a neighbour's sampling grid.
type Projector struct {
	batch, height, width int
	Epsilon              float64
	norm                 *tensor.Tensor
}

// NewProjector returns a projector for images of the given size.
func NewProjector(batch, height, width int) *Projector {
	sx, sy := 1.0, 1.0
	if width > 1 {
		sx = 1 / float64(width-1)
	}
	if height > 1 {
		sy = 1 / float64(height-1)
	}
	return &Projector{
		batch:   batch,
		height:  height,
		width:   width,
		Epsilon: DefaultEpsilon,
		norm:    tensor.New([]float64{sx, sy}, 1, 2, 1),
	}
}

// Project applies T and then K to points (B,4,H*W) and returns the (B,2,H,W)
// grid normalised to [-1, 1]. Points leaving the image keep their
// out-of-range coordinates.
func (p *Projector) Project(points, k, t *tensor.Tensor) *tensor.Tensor {
	proj := tensor.Slice(tensor.BatchMatMul(k, t), 1, 0, 3)
	cam := tensor.BatchMatMul(proj, points)
	z := tensor.AddScalar(tensor.Slice(cam, 1, 2, 3), p.Epsilon)
	pix := tensor.Div(tensor.Slice(cam, 1, 0, 2), z)
	pix = tensor.Mul(pix, p.norm)
	pix = tensor.MulScalar(tensor.AddScalar(pix, -0.5), 2)
	return tensor.Reshape(pix, p.batch, 2, p.height, p.width)
}

// Warp resamples src at grid with bilinear interpolation and border padding.
func Warp(src, grid *tensor.Tensor) *tensor.Tensor {
	return tensor.GridSample(src, grid)
}
