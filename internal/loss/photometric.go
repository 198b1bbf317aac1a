// Package loss composes the self-supervised training objective: photometric
// reprojection error with automasking or a predictive mask, edge-aware
// disparity smoothness, and the optional attention-driven extensions.
package loss

import "depthforge/internal/tensor"

const (
	ssimC1 = 0.01 * 0.01
	ssimC2 = 0.03 * 0.03

	ssimWeight = 0.85
	l1Weight   = 0.15
)

// SSIM returns the per-pixel structural dissimilarity (1-SSIM)/2 of two
// (B,C,H,W) images using reflection-padded 3x3 windows, clamped to [0, 1].
func SSIM(x, y *tensor.Tensor) *tensor.Tensor {
	muX := tensor.ReflectPool3(x)
	muY := tensor.ReflectPool3(y)
	muXX := tensor.Mul(muX, muX)
	muYY := tensor.Mul(muY, muY)
	muXY := tensor.Mul(muX, muY)

	sigmaX := tensor.Sub(tensor.ReflectPool3(tensor.Mul(x, x)), muXX)
	sigmaY := tensor.Sub(tensor.ReflectPool3(tensor.Mul(y, y)), muYY)
	sigmaXY := tensor.Sub(tensor.ReflectPool3(tensor.Mul(x, y)), muXY)

	n := tensor.Mul(
		tensor.AddScalar(tensor.MulScalar(muXY, 2), ssimC1),
		tensor.AddScalar(tensor.MulScalar(sigmaXY, 2), ssimC2))
	d := tensor.Mul(
		tensor.AddScalar(tensor.Add(muXX, muYY), ssimC1),
		tensor.AddScalar(tensor.Add(sigmaX, sigmaY), ssimC2))

	dis := tensor.MulScalar(tensor.AddScalar(tensor.MulScalar(tensor.Div(n, d), -1), 1), 0.5)
	return tensor.Clamp(dis, 0, 1)
}

// Reprojection scores pred against target per pixel, returning (B,1,H,W).
// A non-nil weight (B,1,H,W) multiplies both the SSIM and the L1 term.
func Reprojection(pred, target, weight *tensor.Tensor, noSSIM bool) *tensor.Tensor {
	l1 := tensor.MeanAxes(tensor.Abs(tensor.Sub(target, pred)), 1)
	if weight != nil {
		l1 = tensor.Mul(l1, weight)
	}
	if noSSIM {
		return l1
	}
	ssim := tensor.MeanAxes(SSIM(pred, target), 1)
	if weight != nil {
		ssim = tensor.Mul(ssim, weight)
	}
	return tensor.Add(tensor.MulScalar(ssim, ssimWeight), tensor.MulScalar(l1, l1Weight))
}

// BCEToOne is the mean binary cross-entropy of probabilities against an
// all-ones target, with the log clamped at -100.
func BCEToOne(p *tensor.Tensor) *tensor.Tensor {
	return tensor.MulScalar(tensor.Mean(tensor.Log(p)), -1)
}
