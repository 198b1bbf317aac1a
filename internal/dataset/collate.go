package dataset

import (
	"errors"
	"fmt"

	"depthforge/internal/frames"
	"depthforge/internal/geometry"
	"depthforge/internal/tensor"
)

// Collate stacks decoded examples into a bundle. Color and ColorAug share
// tensors since no augmentation is applied. Ground truth depth is kept only
// when every example carries it; attention masks are padded with zero masks
// to the largest count in the batch. When the decoder loads attention the
// bundle always carries at least one, possibly empty, mask per example.
func Collate(examples []*Example, dec *Decoder) (*frames.Bundle, error) {
	if len(examples) == 0 {
		return nil, errors.New("collate: empty batch")
	}
	n := len(examples)
	b := &frames.Bundle{
		Keys:   make([]string, n),
		Images: make(map[frames.Key]*tensor.Tensor),
	}
	for i, ex := range examples {
		b.Keys[i] = ex.Key
	}

	maxScale := 0
	for _, s := range dec.Scales {
		if s > maxScale {
			maxScale = s
		}
	}
	b.K = make([]*tensor.Tensor, maxScale+1)
	b.InvK = make([]*tensor.Tensor, maxScale+1)
	for _, scale := range dec.Scales {
		h, w := dec.ScaleSize(scale)
		for _, f := range dec.FrameIDs {
			fs := frames.FrameScale{Frame: f, Scale: scale}
			data := make([]float64, 0, n*3*h*w)
			for _, ex := range examples {
				px, ok := ex.Colors[fs]
				if !ok || len(px) != 3*h*w {
					return nil, fmt.Errorf("collate %s: frame %s scale %d missing", ex.Key, f, scale)
				}
				data = append(data, px...)
			}
			t := tensor.New(data, n, 3, h, w)
			b.Images[frames.Key{Role: frames.Color, Frame: f, Scale: scale}] = t
			b.Images[frames.Key{Role: frames.ColorAug, Frame: f, Scale: scale}] = t
		}
		k, inv, err := dec.IntrinsicsAt(scale)
		if err != nil {
			return nil, fmt.Errorf("collate: %w", err)
		}
		b.K[scale] = geometry.Repeat(k, n)
		b.InvK[scale] = geometry.Repeat(inv, n)
	}

	if stereoRequested(dec.FrameIDs) {
		data := make([]float64, 0, n*16)
		for _, ex := range examples {
			data = append(data, StereoTransform(ex.Side)...)
		}
		b.StereoT = tensor.New(data, n, 4, 4)
	}

	gt, err := collateDepth(examples)
	if err != nil {
		return nil, err
	}
	b.DepthGT = gt
	b.Attention = collateMasks(examples, dec.Height, dec.Width, dec.LoadAttention)
	return b, nil
}

func collateDepth(examples []*Example) (*tensor.Tensor, error) {
	h, w := examples[0].DepthGTH, examples[0].DepthGTW
	data := make([]float64, 0, len(examples)*h*w)
	for _, ex := range examples {
		if ex.DepthGT == nil {
			return nil, nil
		}
		if ex.DepthGTH != h || ex.DepthGTW != w {
			return nil, fmt.Errorf("collate %s: depth %dx%d, batch uses %dx%d", ex.Key, ex.DepthGTH, ex.DepthGTW, h, w)
		}
		data = append(data, ex.DepthGT...)
	}
	return tensor.New(data, len(examples), 1, h, w), nil
}

func collateMasks(examples []*Example, h, w int, required bool) *tensor.Tensor {
	m := 0
	for _, ex := range examples {
		if len(ex.Masks) > m {
			m = len(ex.Masks)
		}
	}
	if m == 0 {
		if !required {
			return nil
		}
		m = 1
	}
	hw := h * w
	data := make([]float64, len(examples)*m*hw)
	for i, ex := range examples {
		for j, mask := range ex.Masks {
			copy(data[(i*m+j)*hw:(i*m+j+1)*hw], mask.Pixels)
		}
	}
	return tensor.New(data, len(examples), m, h, w)
}
