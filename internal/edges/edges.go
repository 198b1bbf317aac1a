// Package edges provides the small amount of classical image processing the
// edge-alignment loss needs: Canny edge detection, grayscale erosion and
// masking on 8-bit images.
package edges

import (
	"image"
	"math"
)

// Canny returns a binary edge map (0 or 255) using a 3x3 Sobel operator, the
// L1 gradient magnitude, non-maximum suppression and hysteresis thresholding
// with 8-connectivity. Pixels above high seed edges; pixels above low extend
// them.
func Canny(src *image.Gray, low, high float64) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return out
	}
	if low > high {
		low, high = high, low
	}

	px := func(x, y int) float64 {
		x = clampInt(x, 0, w-1)
		y = clampInt(y, 0, h-1)
		return float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
	}
	gx := make([]float64, w*h)
	gy := make([]float64, w*h)
	mag := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := px(x+1, y-1) + 2*px(x+1, y) + px(x+1, y+1) -
				px(x-1, y-1) - 2*px(x-1, y) - px(x-1, y+1)
			dy := px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1) -
				px(x-1, y-1) - 2*px(x, y-1) - px(x+1, y-1)
			i := y*w + x
			gx[i], gy[i] = dx, dy
			mag[i] = math.Abs(dx) + math.Abs(dy)
		}
	}

	at := func(x, y int) float64 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag[y*w+x]
	}

	const (
		none = iota
		weak
		strong
	)
	state := make([]uint8, w*h)
	var stack []int
	tan22 := math.Tan(math.Pi / 8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			m := mag[i]
			if m <= low {
				continue
			}
			ax, ay := math.Abs(gx[i]), math.Abs(gy[i])
			var n1, n2 float64
			diagonal := false
			switch {
			case ay <= ax*tan22:
				n1, n2 = at(x-1, y), at(x+1, y)
			case ax <= ay*tan22:
				n1, n2 = at(x, y-1), at(x, y+1)
			case (gx[i] > 0) == (gy[i] > 0):
				n1, n2 = at(x-1, y-1), at(x+1, y+1)
				diagonal = true
			default:
				n1, n2 = at(x+1, y-1), at(x-1, y+1)
				diagonal = true
			}
			if !localMax(m, n1, n2, diagonal) {
				continue
			}
			if m > high {
				state[i] = strong
				stack = append(stack, i)
			} else {
				state[i] = weak
			}
		}
	}

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out.Pix[(i/w)*out.Stride+i%w] = 255
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if state[j] == weak {
					state[j] = strong
					stack = append(stack, j)
				}
			}
		}
	}
	return out
}

// Erode applies a k×k minimum filter iterations times. Pixels outside the
// image never lower the minimum, so the border does not erode by itself.
func Erode(src *image.Gray, k, iterations int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	cur := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		copy(cur.Pix[y*cur.Stride:y*cur.Stride+w], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
	}
	if k <= 1 {
		return cur
	}
	r := k / 2
	for it := 0; it < iterations; it++ {
		next := image.NewGray(cur.Rect)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				m := uint8(255)
				for yy := y - r; yy <= y-r+k-1; yy++ {
					if yy < 0 || yy >= h {
						continue
					}
					for xx := x - r; xx <= x-r+k-1; xx++ {
						if xx < 0 || xx >= w {
							continue
						}
						if v := cur.Pix[yy*cur.Stride+xx]; v < m {
							m = v
						}
					}
				}
				next.Pix[y*next.Stride+x] = m
			}
		}
		cur = next
	}
	return cur
}

// Masked keeps src where mask is non-zero and clears it elsewhere. Both
// images must have the same size.
func Masked(src, mask *image.Gray) *image.Gray {
	b := src.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	mb := mask.Bounds()
	for y := 0; y < b.Dy() && y < mb.Dy(); y++ {
		for x := 0; x < b.Dx() && x < mb.Dx(); x++ {
			if mask.GrayAt(mb.Min.X+x, mb.Min.Y+y).Y != 0 {
				out.Pix[y*out.Stride+x] = src.GrayAt(b.Min.X+x, b.Min.Y+y).Y
			}
		}
	}
	return out
}

// Energy returns the sum of all pixel intensities.
func Energy(img *image.Gray) float64 {
	b := img.Bounds()
	var s float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			s += float64(img.GrayAt(x, y).Y)
		}
	}
	return s
}

// localMax applies the suppression rule OpenCV uses: along the axes a tie
// with the later neighbour survives, along the diagonals both must be
// strictly smaller.
func localMax(m, n1, n2 float64, diagonal bool) bool {
	if diagonal {
		return m > n1 && m > n2
	}
	return m > n1 && m >= n2
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
