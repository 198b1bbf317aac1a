package loss

import (
	"fmt"

	"depthforge/internal/tensor"
)

// Threshold returns a new (B,M,H,W) tensor holding 1 where att >= t and 0
// elsewhere. att is left untouched.
func Threshold(att *tensor.Tensor, t float64) *tensor.Tensor {
	data := make([]float64, att.Len())
	for i, v := range att.Data {
		if v >= t {
			data[i] = 1
		}
	}
	return tensor.New(data, att.Shape()...)
}

// MaskAreas returns the pixel count of every binary mask, indexed b*M+m.
func MaskAreas(binary *tensor.Tensor) []float64 {
	b, m, hw := binary.Dim(0), binary.Dim(1), binary.Dim(2)*binary.Dim(3)
	areas := make([]float64, b*m)
	for i := range areas {
		for _, v := range binary.Data[i*hw : (i+1)*hw] {
			areas[i] += v
		}
	}
	return areas
}

// AttentionWeights assigns every mask of an item a share of one unit of
// weight, inversely proportional to its area. Empty masks get zero, and an
// item whose masks are all empty gets zero everywhere.
func AttentionWeights(binary *tensor.Tensor) []float64 {
	b, m := binary.Dim(0), binary.Dim(1)
	areas := MaskAreas(binary)
	weights := make([]float64, b*m)
	for n := 0; n < b; n++ {
		row := areas[n*m : (n+1)*m]
		var total float64
		for _, a := range row {
			total += a
		}
		v := make([]float64, m)
		var vs float64
		for i, a := range row {
			if a > 0 {
				v[i] = total / a
				vs += v[i]
			}
		}
		if vs == 0 {
			continue
		}
		for i := range v {
			weights[n*m+i] = v[i] / vs
		}
	}
	return weights
}

// WeightMap collapses the weighted masks into a (B,1,H,W) map 1 + Σ wₘ·maskₘ.
func WeightMap(binary *tensor.Tensor, weights []float64) *tensor.Tensor {
	b, m, h, w := binary.Dim(0), binary.Dim(1), binary.Dim(2), binary.Dim(3)
	if len(weights) != b*m {
		panic(fmt.Sprintf("loss: %d attention weights for %d masks", len(weights), b*m))
	}
	hw := h * w
	data := make([]float64, b*hw)
	for i := range data {
		data[i] = 1
	}
	for n := 0; n < b; n++ {
		for k := 0; k < m; k++ {
			wk := weights[n*m+k]
			if wk == 0 {
				continue
			}
			mask := binary.Data[(n*m+k)*hw : (n*m+k+1)*hw]
			dst := data[n*hw : (n+1)*hw]
			for p, v := range mask {
				dst[p] += wk * v
			}
		}
	}
	return tensor.New(data, b, 1, h, w)
}
