package dataset

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"path"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/mat"

	"depthforge/internal/frames"
	"depthforge/internal/geometry"
)

// stereoBaseline is the KITTI camera baseline used for the stereo transform.
const stereoBaseline = 0.1

// depthScale converts 16-bit depth PNG values to metres.
const depthScale = 256.0

// Decoder turns raw samples into per-example arrays at every scale.
type Decoder struct {
	Height, Width int
	Scales        []int
	// FrameIDs lists the frames each sample must carry, target first. Stereo
	// is requested by including frames.Stereo.
	FrameIDs []frames.FrameID
	// LoadDepth decodes depth.png when present.
	LoadDepth bool
	// LoadAttention decodes attn.* masks.
	LoadAttention bool
	// Intrinsics defaults to the KITTI camera when K is nil.
	Intrinsics geometry.Intrinsics
}

// Mask is one decoded attention mask.
type Mask struct {
	Name       string
	Confidence float64
	// Pixels holds Height*Width values already scaled by Confidence.
	Pixels []float64
}

// Example is one decoded sample.
type Example struct {
	Key string
	// Colors holds 3*h*w planar RGB values in [0, 1] per frame and scale.
	Colors map[frames.FrameScale][]float64
	// Side is "l" or "r" for stereo samples.
	Side string

	DepthGT            []float64
	DepthGTH, DepthGTW int

	Masks []Mask
}

// ScaleSize returns the image size at scale.
func (d *Decoder) ScaleSize(scale int) (h, w int) {
	return d.Height >> uint(scale), d.Width >> uint(scale)
}

// Decode decodes s. Every configured frame must be present.
func (d *Decoder) Decode(s Sample) (*Example, error) {
	ex := &Example{Key: s.Key, Colors: make(map[frames.FrameScale][]float64)}
	for _, f := range d.FrameIDs {
		raw, ok := findFrame(s.Members, f)
		if !ok {
			return nil, fmt.Errorf("decode %s: frame %s missing", s.Key, f)
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s frame %s: %w", s.Key, f, err)
		}
		for _, scale := range d.Scales {
			h, w := d.ScaleSize(scale)
			ex.Colors[frames.FrameScale{Frame: f, Scale: scale}] = planarRGB(resizeRGBA(img, w, h))
		}
	}

	if side, ok := s.Members["side"]; ok {
		ex.Side = strings.TrimSpace(string(side))
	}
	if stereoRequested(d.FrameIDs) && ex.Side != "l" && ex.Side != "r" {
		return nil, fmt.Errorf("decode %s: stereo frame needs side l or r, got %q", s.Key, ex.Side)
	}

	if d.LoadDepth {
		if raw, ok := s.Members["depth.png"]; ok {
			gt, h, w, err := decodeDepth(raw)
			if err != nil {
				return nil, fmt.Errorf("decode %s depth: %w", s.Key, err)
			}
			ex.DepthGT, ex.DepthGTH, ex.DepthGTW = gt, h, w
		}
	}

	if d.LoadAttention {
		masks, err := d.decodeMasks(s.Members)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.Key, err)
		}
		ex.Masks = masks
	}
	return ex, nil
}

// StereoTransform returns the 4x4 row-major transform to the other camera.
func StereoTransform(side string) []float64 {
	t := []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	sign := 1.0
	if side == "l" {
		sign = -1
	}
	t[3] = sign * stereoBaseline
	return t
}

// IntrinsicsAt returns K and its inverse at scale in pixel units.
func (d *Decoder) IntrinsicsAt(scale int) (k, inv *mat.Dense, err error) {
	in := d.Intrinsics
	if in.K == nil {
		in = geometry.KITTI()
	}
	return in.Scaled(d.Width, d.Height, scale)
}

func stereoRequested(ids []frames.FrameID) bool {
	for _, f := range ids {
		if f.IsStereo() {
			return true
		}
	}
	return false
}

func findFrame(members map[string][]byte, f frames.FrameID) ([]byte, bool) {
	for _, ext := range []string{".png", ".jpg", ".jpeg"} {
		if raw, ok := members["f"+f.String()+ext]; ok {
			return raw, true
		}
	}
	return nil, false
}

func resizeRGBA(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func resizeGray(src image.Image, w, h int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func planarRGB(img *image.RGBA) []float64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	hw := w * h
	out := make([]float64, 3*hw)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			p := y*w + x
			out[p] = float64(row[4*x]) / 255
			out[hw+p] = float64(row[4*x+1]) / 255
			out[2*hw+p] = float64(row[4*x+2]) / 255
		}
	}
	return out
}

func decodeDepth(raw []byte) ([]float64, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, 0, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y
			out[y*w+x] = float64(v) / depthScale
		}
	}
	return out, h, w, nil
}

// parseMaskName splits "attn.car_0.93.png" into ("car_0.93", 0.93).
func parseMaskName(member string) (string, float64, error) {
	name := strings.TrimPrefix(member, "attn.")
	name = strings.TrimSuffix(name, path.Ext(name))
	i := strings.LastIndexByte(name, '_')
	if i < 0 || i == len(name)-1 {
		return "", 0, fmt.Errorf("attention mask %q has no _<prob> suffix", member)
	}
	prob, err := strconv.ParseFloat(name[i+1:], 64)
	if err != nil {
		return "", 0, fmt.Errorf("attention mask %q: %w", member, err)
	}
	if prob < 0 || prob > 1 {
		return "", 0, fmt.Errorf("attention mask %q: probability %g outside [0, 1]", member, prob)
	}
	return name, prob, nil
}

func (d *Decoder) decodeMasks(members map[string][]byte) ([]Mask, error) {
	var names []string
	for m := range members {
		if strings.HasPrefix(m, "attn.") {
			names = append(names, m)
		}
	}
	sort.Strings(names)
	masks := make([]Mask, 0, len(names))
	for _, m := range names {
		name, prob, err := parseMaskName(m)
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(members[m]))
		if err != nil {
			return nil, fmt.Errorf("attention mask %q: %w", m, err)
		}
		gray := resizeGray(img, d.Width, d.Height)
		px := make([]float64, d.Width*d.Height)
		for y := 0; y < d.Height; y++ {
			for x := 0; x < d.Width; x++ {
				px[y*d.Width+x] = float64(gray.Pix[y*gray.Stride+x]) / 255 * prob
			}
		}
		masks = append(masks, Mask{Name: name, Confidence: prob, Pixels: px})
	}
	return masks, nil
}
