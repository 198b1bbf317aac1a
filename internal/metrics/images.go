package metrics

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"depthforge/internal/tensor"
)

// TensorImage converts batch item n of a (B,C,H,W) tensor with values in
// [0, 1] to an image. One channel gives a Gray image, three give RGBA;
// channel selects a single channel when C is neither.
func TensorImage(t *tensor.Tensor, n, channel int) (image.Image, error) {
	if t.Rank() != 4 || n >= t.Dim(0) {
		return nil, fmt.Errorf("metrics: item %d of shape %v", n, t.Shape())
	}
	c, h, w := t.Dim(1), t.Dim(2), t.Dim(3)
	hw := h * w
	plane := func(ch int) []float64 {
		off := (n*c + ch) * hw
		return t.Data[off : off+hw]
	}
	if c == 3 && channel < 0 {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		r, g, b := plane(0), plane(1), plane(2)
		for i := 0; i < hw; i++ {
			img.SetRGBA(i%w, i/w, color.RGBA{R: to8(r[i]), G: to8(g[i]), B: to8(b[i]), A: 255})
		}
		return img, nil
	}
	if channel < 0 {
		channel = 0
	}
	if channel >= c {
		return nil, fmt.Errorf("metrics: channel %d of shape %v", channel, t.Shape())
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range plane(channel) {
		img.Pix[(i/w)*img.Stride+i%w] = to8(v)
	}
	return img, nil
}

// NormalizeImage rescales item n of a single-channel map to [0, 1] by its
// own range before conversion.
func NormalizeImage(t *tensor.Tensor, n int) (image.Image, error) {
	if t.Rank() != 4 || n >= t.Dim(0) {
		return nil, fmt.Errorf("metrics: item %d of shape %v", n, t.Shape())
	}
	hw := t.Dim(2) * t.Dim(3)
	src := t.Data[n*t.Dim(1)*hw : n*t.Dim(1)*hw+hw]
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range src {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	d := hi - lo
	if d == 0 {
		d = 1e5
	}
	out := make([]float64, hw)
	for i, v := range src {
		out[i] = (v - lo) / d
	}
	return TensorImage(tensor.New(out, 1, 1, t.Dim(2), t.Dim(3)), 0, 0)
}

func to8(v float64) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Round(v * 255))
}
