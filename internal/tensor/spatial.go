package tensor

import (
	"fmt"
	"math"
)

func dims4(a *Tensor, op string) (b, c, h, w int) {
	if a.Rank() != 4 {
		panic(fmt.Sprintf("tensor: %s expects rank 4, got %v", op, a.shape))
	}
	return a.shape[0], a.shape[1], a.shape[2], a.shape[3]
}

// reflect maps i into [0, n) by mirror reflection without repeating the edge.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*(n-1) - i
	}
	return i
}

// ReflectPool3 applies a 3x3 mean filter with stride 1 over a reflection
// padded (B,C,H,W) input, producing an output of the same shape.
func ReflectPool3(a *Tensor) *Tensor {
	b, c, h, w := dims4(a, "ReflectPool3")
	data := make([]float64, len(a.Data))
	planes := b * c
	for p := 0; p < planes; p++ {
		base := p * h * w
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				s := 0.0
				for dy := -1; dy <= 1; dy++ {
					row := base + reflect(y+dy, h)*w
					for dx := -1; dx <= 1; dx++ {
						s += a.Data[row+reflect(x+dx, w)]
					}
				}
				data[base+y*w+x] = s / 9
			}
		}
	}
	return result(data, a.Shape(), func(out *Tensor) {
		g := make([]float64, len(a.Data))
		for p := 0; p < planes; p++ {
			base := p * h * w
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					og := out.Grad[base+y*w+x] / 9
					if og == 0 {
						continue
					}
					for dy := -1; dy <= 1; dy++ {
						row := base + reflect(y+dy, h)*w
						for dx := -1; dx <= 1; dx++ {
							g[row+reflect(x+dx, w)] += og
						}
					}
				}
			}
		}
		accumulate(a, g)
	}, a)
}

// AvgPool2 halves the spatial resolution with a 2x2 mean, flooring odd sizes.
func AvgPool2(a *Tensor) *Tensor {
	b, c, h, w := dims4(a, "AvgPool2")
	oh, ow := h/2, w/2
	data := make([]float64, b*c*oh*ow)
	for p := 0; p < b*c; p++ {
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				i := p*h*w + 2*y*w + 2*x
				data[(p*oh+y)*ow+x] = (a.Data[i] + a.Data[i+1] + a.Data[i+w] + a.Data[i+w+1]) / 4
			}
		}
	}
	return result(data, []int{b, c, oh, ow}, func(out *Tensor) {
		g := make([]float64, len(a.Data))
		for p := 0; p < b*c; p++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					og := out.Grad[(p*oh+y)*ow+x] / 4
					i := p*h*w + 2*y*w + 2*x
					g[i] += og
					g[i+1] += og
					g[i+w] += og
					g[i+w+1] += og
				}
			}
		}
		accumulate(a, g)
	}, a)
}

// GradX returns a[..., :, :-1] - a[..., :, 1:].
func GradX(a *Tensor) *Tensor {
	b, c, h, w := dims4(a, "GradX")
	data := make([]float64, b*c*h*(w-1))
	for r := 0; r < b*c*h; r++ {
		for x := 0; x < w-1; x++ {
			data[r*(w-1)+x] = a.Data[r*w+x] - a.Data[r*w+x+1]
		}
	}
	return result(data, []int{b, c, h, w - 1}, func(out *Tensor) {
		g := make([]float64, len(a.Data))
		for r := 0; r < b*c*h; r++ {
			for x := 0; x < w-1; x++ {
				og := out.Grad[r*(w-1)+x]
				g[r*w+x] += og
				g[r*w+x+1] -= og
			}
		}
		accumulate(a, g)
	}, a)
}

// GradY returns a[..., :-1, :] - a[..., 1:, :].
func GradY(a *Tensor) *Tensor {
	b, c, h, w := dims4(a, "GradY")
	data := make([]float64, b*c*(h-1)*w)
	for p := 0; p < b*c; p++ {
		for y := 0; y < h-1; y++ {
			for x := 0; x < w; x++ {
				data[(p*(h-1)+y)*w+x] = a.Data[(p*h+y)*w+x] - a.Data[(p*h+y+1)*w+x]
			}
		}
	}
	return result(data, []int{b, c, h - 1, w}, func(out *Tensor) {
		g := make([]float64, len(a.Data))
		for p := 0; p < b*c; p++ {
			for y := 0; y < h-1; y++ {
				for x := 0; x < w; x++ {
					og := out.Grad[(p*(h-1)+y)*w+x]
					g[(p*h+y)*w+x] += og
					g[(p*h+y+1)*w+x] -= og
				}
			}
		}
		accumulate(a, g)
	}, a)
}

type lerp struct {
	i0, i1 int
	w1     float64
}

// resizeTaps precomputes half-pixel-centre source taps for one axis.
func resizeTaps(in, out int) []lerp {
	taps := make([]lerp, out)
	scale := float64(in) / float64(out)
	for i := range taps {
		src := (float64(i)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(math.Floor(src))
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := i0 + 1
		if i1 > in-1 {
			i1 = in - 1
		}
		taps[i] = lerp{i0: i0, i1: i1, w1: src - float64(i0)}
	}
	return taps
}

// ResizeBilinear resamples a (B,C,H,W) tensor to (B,C,oh,ow) using
// half-pixel centres (align_corners=false).
func ResizeBilinear(a *Tensor, oh, ow int) *Tensor {
	b, c, h, w := dims4(a, "ResizeBilinear")
	if h == oh && w == ow {
		return a
	}
	ty := resizeTaps(h, oh)
	tx := resizeTaps(w, ow)
	data := make([]float64, b*c*oh*ow)
	for p := 0; p < b*c; p++ {
		src := a.Data[p*h*w : (p+1)*h*w]
		for y, vy := range ty {
			for x, vx := range tx {
				top := src[vy.i0*w+vx.i0]*(1-vx.w1) + src[vy.i0*w+vx.i1]*vx.w1
				bot := src[vy.i1*w+vx.i0]*(1-vx.w1) + src[vy.i1*w+vx.i1]*vx.w1
				data[(p*oh+y)*ow+x] = top*(1-vy.w1) + bot*vy.w1
			}
		}
	}
	return result(data, []int{b, c, oh, ow}, func(out *Tensor) {
		g := make([]float64, len(a.Data))
		for p := 0; p < b*c; p++ {
			gp := g[p*h*w : (p+1)*h*w]
			for y, vy := range ty {
				for x, vx := range tx {
					og := out.Grad[(p*oh+y)*ow+x]
					if og == 0 {
						continue
					}
					gp[vy.i0*w+vx.i0] += og * (1 - vy.w1) * (1 - vx.w1)
					gp[vy.i0*w+vx.i1] += og * (1 - vy.w1) * vx.w1
					gp[vy.i1*w+vx.i0] += og * vy.w1 * (1 - vx.w1)
					gp[vy.i1*w+vx.i1] += og * vy.w1 * vx.w1
				}
			}
		}
		accumulate(a, g)
	}, a)
}

// borderCoord unnormalises g from [-1, 1] to [0, n-1] (corner aligned) and
// clamps it to the border. inside reports whether no clamping happened.
func borderCoord(g float64, n int) (v float64, inside bool) {
	v = (g + 1) / 2 * float64(n-1)
	switch {
	case v < 0:
		return 0, false
	case v > float64(n-1):
		return float64(n - 1), false
	case math.IsNaN(v):
		return 0, false
	}
	return v, true
}

// GridSample bilinearly samples src (B,C,Hs,Ws) at the normalised coordinates
// in grid (B,2,H,W), channel 0 holding x and channel 1 holding y. Samples
// outside the image take the nearest border value.
func GridSample(src, grid *Tensor) *Tensor {
	b, c, hs, ws := dims4(src, "GridSample")
	gb, gc, h, w := dims4(grid, "GridSample")
	if gb != b || gc != 2 {
		panic(fmt.Sprintf("tensor: grid %v does not match source %v", grid.shape, src.shape))
	}
	hw := h * w
	type tap struct {
		x0, x1, y0, y1 int
		wx, wy         float64
		inX, inY       bool
	}
	taps := make([]tap, b*hw)
	for n := 0; n < b; n++ {
		for p := 0; p < hw; p++ {
			ix, inX := borderCoord(grid.Data[(n*2)*hw+p], ws)
			iy, inY := borderCoord(grid.Data[(n*2+1)*hw+p], hs)
			x0, y0 := int(math.Floor(ix)), int(math.Floor(iy))
			x1, y1 := x0+1, y0+1
			if x1 > ws-1 {
				x1 = ws - 1
			}
			if y1 > hs-1 {
				y1 = hs - 1
			}
			taps[n*hw+p] = tap{x0: x0, x1: x1, y0: y0, y1: y1, wx: ix - float64(x0), wy: iy - float64(y0), inX: inX, inY: inY}
		}
	}
	data := make([]float64, b*c*hw)
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			plane := src.Data[(n*c+ch)*hs*ws : (n*c+ch+1)*hs*ws]
			for p := 0; p < hw; p++ {
				t := taps[n*hw+p]
				top := plane[t.y0*ws+t.x0]*(1-t.wx) + plane[t.y0*ws+t.x1]*t.wx
				bot := plane[t.y1*ws+t.x0]*(1-t.wx) + plane[t.y1*ws+t.x1]*t.wx
				data[(n*c+ch)*hw+p] = top*(1-t.wy) + bot*t.wy
			}
		}
	}
	return result(data, []int{b, c, h, w}, func(out *Tensor) {
		var gs, gg []float64
		if src.requires {
			gs = make([]float64, len(src.Data))
		}
		if grid.requires {
			gg = make([]float64, len(grid.Data))
		}
		sx := float64(ws-1) / 2
		sy := float64(hs-1) / 2
		for n := 0; n < b; n++ {
			for ch := 0; ch < c; ch++ {
				plane := src.Data[(n*c+ch)*hs*ws : (n*c+ch+1)*hs*ws]
				for p := 0; p < hw; p++ {
					og := out.Grad[(n*c+ch)*hw+p]
					if og == 0 {
						continue
					}
					t := taps[n*hw+p]
					v00, v01 := plane[t.y0*ws+t.x0], plane[t.y0*ws+t.x1]
					v10, v11 := plane[t.y1*ws+t.x0], plane[t.y1*ws+t.x1]
					if gs != nil {
						gp := gs[(n*c+ch)*hs*ws:]
						gp[t.y0*ws+t.x0] += og * (1 - t.wy) * (1 - t.wx)
						gp[t.y0*ws+t.x1] += og * (1 - t.wy) * t.wx
						gp[t.y1*ws+t.x0] += og * t.wy * (1 - t.wx)
						gp[t.y1*ws+t.x1] += og * t.wy * t.wx
					}
					if gg != nil {
						if t.inX {
							d := (v01-v00)*(1-t.wy) + (v11-v10)*t.wy
							gg[(n*2)*hw+p] += og * d * sx
						}
						if t.inY {
							d := (v10-v00)*(1-t.wx) + (v11-v01)*t.wx
							gg[(n*2+1)*hw+p] += og * d * sy
						}
					}
				}
			}
		}
		if gs != nil {
			accumulate(src, gs)
		}
		if gg != nil {
			accumulate(grid, gg)
		}
	}, src, grid)
}
