// Package pose turns axis-angle and translation predictions into rigid
// camera transforms.
package pose

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"depthforge/internal/frames"
	"depthforge/internal/tensor"
)

// minAngle is the rotation magnitude below which the rotation is identity.
const minAngle = 1e-12

// RotationFromAxisAngle returns the 4x4 homogeneous rotation for v, whose
// direction is the axis and whose norm is the angle in radians.
func RotationFromAxisAngle(v r3.Vector) *mat.Dense {
	rot := mat.NewDense(4, 4, nil)
	rot.Set(3, 3, 1)
	theta := v.Norm()
	if theta < minAngle {
		for i := 0; i < 3; i++ {
			rot.Set(i, i, 1)
		}
		return rot
	}
	axis := v.Mul(1 / theta)
	// K is the cross-product matrix of the unit axis.
	k := mat.NewDense(3, 3, []float64{
		0, -axis.Z, axis.Y,
		axis.Z, 0, -axis.X,
		-axis.Y, axis.X, 0,
	})
	var k2 mat.Dense
	k2.Mul(k, k)
	s, c := math.Sincos(theta)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			val := s*k.At(i, j) + (1-c)*k2.At(i, j)
			if i == j {
				val++
			}
			rot.Set(i, j, val)
		}
	}
	return rot
}

// TranslationMatrix returns the 4x4 homogeneous translation by t.
func TranslationMatrix(t r3.Vector) *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	return m
}

// TransformFromParameters builds T(t)·R(axisAngle), or its inverse
// R(axisAngle)ᵀ·T(-t) when invert is set.
func TransformFromParameters(axisAngle, translation r3.Vector, invert bool) *mat.Dense {
	rot := RotationFromAxisAngle(axisAngle)
	var out mat.Dense
	if invert {
		rt := mat.DenseCopyOf(rot.T())
		out.Mul(rt, TranslationMatrix(translation.Mul(-1)))
	} else {
		out.Mul(TranslationMatrix(translation), rot)
	}
	return &out
}

// Invert returns the inverse of a rigid 4x4 transform.
func Invert(m mat.Matrix) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, m.At(j, i))
		}
	}
	for i := 0; i < 3; i++ {
		s := 0.0
		for j := 0; j < 3; j++ {
			s += out.At(i, j) * m.At(j, 3)
		}
		out.Set(i, 3, -s)
	}
	out.Set(3, 3, 1)
	return out
}

// NeedsInversion reports whether the predicted pose for frame must be
// inverted to map target to frame. Predictions are made in temporal order,
// so past frames are inverted.
func NeedsInversion(frame frames.FrameID) bool {
	return !frame.IsStereo() && frame < 0
}

func transformParams(p []float64, invert bool) []float64 {
	m := TransformFromParameters(r3.Vector{X: p[0], Y: p[1], Z: p[2]}, r3.Vector{X: p[3], Y: p[4], Z: p[5]}, invert)
	return append([]float64(nil), m.RawMatrix().Data...)
}

// Transform is the batched, differentiable form of TransformFromParameters:
// axisAngle and translation are (B,3) and the result is (B,4,4). Gradients
// use a central finite-difference Jacobian of the closed form.
func Transform(axisAngle, translation *tensor.Tensor, invert bool) *tensor.Tensor {
	if axisAngle.Len() != translation.Len() || axisAngle.Len()%3 != 0 {
		panic(fmt.Sprintf("pose: axis-angle %v and translation %v", axisAngle.Shape(), translation.Shape()))
	}
	batch := axisAngle.Len() / 3
	data := make([]float64, 0, batch*16)
	params := make([][]float64, batch)
	for b := 0; b < batch; b++ {
		p := make([]float64, 6)
		copy(p[:3], axisAngle.Data[b*3:b*3+3])
		copy(p[3:], translation.Data[b*3:b*3+3])
		params[b] = p
		data = append(data, transformParams(p, invert)...)
	}
	return tensor.Custom(data, []int{batch, 4, 4}, func(grad []float64) [][]float64 {
		ga := make([]float64, batch*3)
		gt := make([]float64, batch*3)
		f := func(y, x []float64) { copy(y, transformParams(x, invert)) }
		for b := 0; b < batch; b++ {
			jac := mat.NewDense(16, 6, nil)
			fd.Jacobian(jac, f, params[b], &fd.JacobianSettings{Formula: fd.Central})
			g := mat.NewVecDense(16, grad[b*16:(b+1)*16])
			var vjp mat.VecDense
			vjp.MulVec(jac.T(), g)
			for i := 0; i < 3; i++ {
				ga[b*3+i] = vjp.AtVec(i)
				gt[b*3+i] = vjp.AtVec(3 + i)
			}
		}
		return [][]float64{ga, gt}
	}, axisAngle, translation)
}
