package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"depthforge/internal/tensor"
)

const (
	minEvalDepth = 1e-3
	maxEvalDepth = 80
)

// Garg crop bounds as fractions of the ground-truth size.
const (
	cropTop    = 0.40810811
	cropBottom = 0.99189189
	cropLeft   = 0.03594771
	cropRight  = 0.96405229
)

// DepthErrors are the standard monocular depth metrics.
type DepthErrors struct {
	AbsRel, SqRel, RMS, LogRMS float64
	A1, A2, A3                 float64
}

// DepthMetricNames lists the event tags in the order of Values.
var DepthMetricNames = []string{"de/abs_rel", "de/sq_rel", "de/rms", "de/log_rms", "da/a1", "da/a2", "da/a3"}

// Values returns the metrics in DepthMetricNames order.
func (e DepthErrors) Values() []float64 {
	return []float64{e.AbsRel, e.SqRel, e.RMS, e.LogRMS, e.A1, e.A2, e.A3}
}

// ComputeDepthErrors compares paired ground truth and predicted depths.
func ComputeDepthErrors(gt, pred []float64) DepthErrors {
	n := len(gt)
	if n == 0 || len(pred) != n {
		return DepthErrors{}
	}
	var e DepthErrors
	var sq, sqLog float64
	for i, g := range gt {
		p := pred[i]
		thresh := math.Max(g/p, p/g)
		if thresh < 1.25 {
			e.A1++
		}
		if thresh < 1.25*1.25 {
			e.A2++
		}
		if thresh < 1.25*1.25*1.25 {
			e.A3++
		}
		d := g - p
		sq += d * d
		l := math.Log(g) - math.Log(p)
		sqLog += l * l
		e.AbsRel += math.Abs(d) / g
		e.SqRel += d * d / g
	}
	fn := float64(n)
	e.A1 /= fn
	e.A2 /= fn
	e.A3 /= fn
	e.AbsRel /= fn
	e.SqRel /= fn
	e.RMS = math.Sqrt(sq / fn)
	e.LogRMS = math.Sqrt(sqLog / fn)
	return e
}

// EvaluateDepth scores predicted depth (B,1,h,w) against ground truth
// (B,1,H,W). The prediction is resized to the ground truth, limited to the
// valid Garg crop and median scaled. It reports false when no pixel is valid.
func EvaluateDepth(pred, gt *tensor.Tensor) (DepthErrors, bool) {
	bsz, h, w := gt.Dim(0), gt.Dim(2), gt.Dim(3)
	resized := tensor.ResizeBilinear(pred.Detach(), h, w)
	top, bottom := int(cropTop*float64(h)), int(cropBottom*float64(h))
	left, right := int(cropLeft*float64(w)), int(cropRight*float64(w))

	var gts, preds []float64
	for n := 0; n < bsz; n++ {
		for y := top; y < bottom; y++ {
			for x := left; x < right; x++ {
				i := (n*h+y)*w + x
				g := gt.Data[i]
				if g <= 0 {
					continue
				}
				gts = append(gts, g)
				preds = append(preds, clampDepth(resized.Data[i]))
			}
		}
	}
	if len(gts) == 0 {
		return DepthErrors{}, false
	}
	ratio := median(gts) / median(preds)
	for i := range preds {
		preds[i] = clampDepth(preds[i] * ratio)
	}
	return ComputeDepthErrors(gts, preds), true
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}

func clampDepth(v float64) float64 {
	return math.Min(math.Max(v, minEvalDepth), maxEvalDepth)
}
