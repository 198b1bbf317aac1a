package loss

import (
	"image"

	"depthforge/internal/edges"
	"depthforge/internal/tensor"
)

// EdgeEnergy evaluates the edge-alignment term for disparity disp (B,1,H,W)
// and raw attention masks att (B,M,H,W). For every non-empty mask whose
// binary area is at most MaxArea it detects edges in the masked disparity, keeps those that
// survive erosion of the masked disparity and sums their intensity. It
// returns the mean over evaluated masks and how many were evaluated. The
// value carries no gradient.
func EdgeEnergy(disp, att *tensor.Tensor, cfg EdgeAlignment) (float64, int) {
	b, m, h, w := att.Dim(0), att.Dim(1), att.Dim(2), att.Dim(3)
	if disp.Dim(2) != h || disp.Dim(3) != w {
		disp = tensor.ResizeBilinear(disp.Detach(), h, w)
	}
	binary := Threshold(att, cfg.Threshold)
	areas := MaskAreas(binary)
	hw := h * w

	var total float64
	var evaluated int
	for n := 0; n < b; n++ {
		d := disp.Data[n*hw : (n+1)*hw]
		for k := 0; k < m; k++ {
			// empty masks include the zero padding added by collation
			if a := areas[n*m+k]; a == 0 || a > cfg.MaxArea {
				continue
			}
			mask := binary.Data[(n*m+k)*hw : (n*m+k+1)*hw]
			img := image.NewGray(image.Rect(0, 0, w, h))
			for p, v := range mask {
				img.Pix[(p/w)*img.Stride+p%w] = toUint8(255 * v * d[p])
			}
			found := edges.Canny(img, cfg.Low*255, cfg.High*255)
			eroded := edges.Erode(img, cfg.Kernel, cfg.Iterations)
			total += edges.Energy(edges.Masked(found, eroded))
			evaluated++
		}
	}
	if evaluated == 0 {
		return 0, 0
	}
	return total / float64(evaluated), evaluated
}

// toUint8 truncates like a C cast, saturating outside [0, 255].
func toUint8(v float64) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}
