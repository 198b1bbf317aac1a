package loss

import "depthforge/internal/tensor"

const meanEpsilon = 1e-7

// NormalizeDisparity divides each disparity map by its own spatial mean.
func NormalizeDisparity(disp *tensor.Tensor) *tensor.Tensor {
	mean := tensor.AddScalar(tensor.MeanAxes(disp, 2, 3), meanEpsilon)
	return tensor.Div(disp, mean)
}

// Smoothness is the edge-aware smoothness penalty of disp (B,1,H,W) against
// img (B,3,H,W): disparity gradients are down-weighted where the image has
// strong gradients.
func Smoothness(disp, img *tensor.Tensor) *tensor.Tensor {
	term := func(grad func(*tensor.Tensor) *tensor.Tensor) *tensor.Tensor {
		dd := tensor.Abs(grad(disp))
		di := tensor.MeanAxes(tensor.Abs(grad(img)), 1)
		return tensor.Mean(tensor.Mul(dd, tensor.Exp(tensor.MulScalar(di, -1))))
	}
	var total *tensor.Tensor
	if disp.Dim(3) > 1 {
		total = term(tensor.GradX)
	}
	if disp.Dim(2) > 1 {
		y := term(tensor.GradY)
		if total == nil {
			total = y
		} else {
			total = tensor.Add(total, y)
		}
	}
	if total == nil {
		return tensor.Zeros(1)
	}
	return total
}
