package loss

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"depthforge/internal/frames"
	"depthforge/internal/geometry"
	"depthforge/internal/tensor"
)

func randomTensor(seed int64, lo, hi float64, shape ...int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = lo + rng.Float64()*(hi-lo)
	}
	return tensor.New(data, shape...)
}

func TestSSIMOfIdenticalImagesIsZero(t *testing.T) {
	img := randomTensor(1, 0, 1, 2, 3, 6, 7)
	for i, v := range SSIM(img, img).Data {
		if math.Abs(v) > 1e-9 {
			t.Fatalf("pixel %d: dissimilarity %g", i, v)
		}
	}
	other := randomTensor(2, 0, 1, 2, 3, 6, 7)
	for _, v := range SSIM(img, other).Data {
		if v < 0 || v > 1 {
			t.Fatalf("dissimilarity %g outside [0, 1]", v)
		}
	}
}

func TestReprojectionWithoutSSIMIsL1(t *testing.T) {
	a := tensor.Full(0.2, 1, 3, 4, 4)
	b := tensor.Full(0.5, 1, 3, 4, 4)
	out := Reprojection(a, b, nil, true)
	if s := out.Shape(); s[1] != 1 {
		t.Fatalf("shape %v", s)
	}
	for _, v := range out.Data {
		if math.Abs(v-0.3) > 1e-12 {
			t.Fatalf("L1 = %g", v)
		}
	}
	weighted := Reprojection(a, b, tensor.Full(2, 1, 1, 4, 4), true)
	if math.Abs(weighted.Data[0]-0.6) > 1e-12 {
		t.Fatalf("weighted L1 = %g", weighted.Data[0])
	}
}

func TestSmoothnessZeroOnConstantDisparity(t *testing.T) {
	img := randomTensor(3, 0, 1, 2, 3, 8, 10)
	for _, d := range []float64{0.01, 0.3, 1} {
		disp := tensor.Full(d, 2, 1, 8, 10)
		if got := Smoothness(NormalizeDisparity(disp), img).Item(); got != 0 {
			t.Fatalf("disparity %g: smoothness %g", d, got)
		}
	}
	ramp := make([]float64, 8*10)
	for i := range ramp {
		ramp[i] = float64(i%10) / 10
	}
	if Smoothness(tensor.New(ramp, 1, 1, 8, 10), tensor.Zeros(1, 3, 8, 10)).Item() <= 0 {
		t.Fatal("a disparity ramp must be penalised")
	}
}

func TestThresholdDoesNotModifyInput(t *testing.T) {
	att := tensor.New([]float64{0.2, 0.7, 0.9, 0.69}, 1, 1, 2, 2)
	bin := Threshold(att, 0.7)
	want := []float64{0, 1, 1, 0}
	for i := range want {
		if bin.Data[i] != want[i] {
			t.Fatalf("binary = %v", bin.Data)
		}
	}
	if att.Data[0] != 0.2 || att.Data[3] != 0.69 {
		t.Fatalf("input changed: %v", att.Data)
	}
}

func TestAttentionWeightsSumToBatch(t *testing.T) {
	const b, m, h, w = 3, 4, 6, 6
	data := make([]float64, b*m*h*w)
	rng := rand.New(rand.NewSource(8))
	for n := 0; n < b; n++ {
		for k := 0; k < m; k++ {
			// the last mask of every item stays empty
			if k == m-1 {
				continue
			}
			area := 1 + rng.Intn(h*w-1)
			for p := 0; p < area; p++ {
				data[((n*m+k)*h*w)+p] = 1
			}
		}
	}
	bin := tensor.New(data, b, m, h, w)
	weights := AttentionWeights(bin)
	var sum float64
	for i, v := range weights {
		if i%m == m-1 && v != 0 {
			t.Fatalf("empty mask received weight %g", v)
		}
		sum += v
	}
	if math.Abs(sum-b) > 1e-12 {
		t.Fatalf("weight mass = %g, want %d", sum, b)
	}

	areas := MaskAreas(bin)
	if areas[0] < areas[1] && weights[0] <= weights[1] {
		t.Fatal("smaller masks must receive more weight")
	}

	wm := WeightMap(bin, weights)
	if s := wm.Shape(); s[0] != b || s[1] != 1 {
		t.Fatalf("weight map shape %v", s)
	}
	for _, v := range wm.Data {
		if v < 1 {
			t.Fatalf("weight %g below one", v)
		}
	}
}

func TestAttentionWeightsAllEmpty(t *testing.T) {
	weights := AttentionWeights(tensor.Zeros(2, 3, 4, 4))
	for _, v := range weights {
		if v != 0 || math.IsNaN(v) {
			t.Fatalf("weights = %v", weights)
		}
	}
}

func TestEdgeEnergySinglePixelMask(t *testing.T) {
	const h, w = 16, 16
	att := tensor.Zeros(1, 1, h, w)
	att.Data[8*w+8] = 1
	disp := randomTensor(4, 0.5, 1, 1, 1, h, w)
	energy, evaluated := EdgeEnergy(disp, att, *DefaultEdgeAlignment())
	if evaluated != 1 {
		t.Fatalf("evaluated %d masks", evaluated)
	}
	if energy != 0 {
		t.Fatalf("energy = %g", energy)
	}
}

func TestEdgeEnergySkipsOversizedMasks(t *testing.T) {
	const h, w = 8, 8
	att := tensor.Full(1, 1, 2, h, w)
	cfg := *DefaultEdgeAlignment()
	cfg.MaxArea = 10
	energy, evaluated := EdgeEnergy(tensor.Full(0.5, 1, 1, h, w), att, cfg)
	if evaluated != 0 || energy != 0 {
		t.Fatalf("energy %g from %d masks", energy, evaluated)
	}
}

func TestEdgeEnergyDetectsInteriorDisparityEdge(t *testing.T) {
	const h, w = 32, 32
	att := tensor.Zeros(1, 1, h, w)
	disp := tensor.Zeros(1, 1, h, w)
	for y := 4; y < 28; y++ {
		for x := 4; x < 28; x++ {
			att.Data[y*w+x] = 1
			disp.Data[y*w+x] = 0.3
			if x >= 16 {
				disp.Data[y*w+x] = 0.9
			}
		}
	}
	energy, evaluated := EdgeEnergy(disp, att, *DefaultEdgeAlignment())
	if evaluated != 1 || energy <= 0 {
		t.Fatalf("energy %g from %d masks", energy, evaluated)
	}
}

func TestStrategyValidate(t *testing.T) {
	if err := DefaultStrategy().Validate(); err != nil {
		t.Fatalf("default strategy: %v", err)
	}
	if err := (Strategy{}).Validate(); err == nil {
		t.Fatal("missing masking must be rejected")
	}
	bad := DefaultStrategy()
	bad.Edge = DefaultEdgeAlignment()
	bad.Edge.High = 0.01
	if err := bad.Validate(); err == nil {
		t.Fatal("inverted edge thresholds must be rejected")
	}
}

// bundleFixture builds a bundle of constant or random colour frames.
func bundleFixture(batch, h, w int, scales []int, ids []frames.FrameID, fill func(f frames.FrameID, s int) *tensor.Tensor) *frames.Bundle {
	b := &frames.Bundle{Keys: make([]string, batch), Images: make(map[frames.Key]*tensor.Tensor)}
	for _, s := range scales {
		for _, f := range ids {
			b.Images[frames.Key{Role: frames.Color, Frame: f, Scale: s}] = fill(f, s)
		}
	}
	return b
}

func eye4() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func TestConstantSceneHasZeroLoss(t *testing.T) {
	const h, w = 8, 16
	scales := []int{0, 1}
	ids := []frames.FrameID{0, -1, 1}
	bundle := bundleFixture(1, h, w, scales, ids, func(_ frames.FrameID, s int) *tensor.Tensor {
		return tensor.Full(0.5, 1, 3, h>>s, w>>s)
	})
	k, inv, err := geometry.KITTI().Scaled(w, h, 0)
	if err != nil {
		t.Fatal(err)
	}

	out := frames.NewOutputs()
	back := geometry.NewBackprojector(1, h, w)
	proj := geometry.NewProjector(1, h, w)
	for _, s := range scales {
		out.Disp[s] = tensor.Full(0.4, 1, 1, h>>s, w>>s)
		disp := tensor.ResizeBilinear(out.Disp[s], h, w)
		_, depth := geometry.DispToDepth(disp, 0.1, 100)
		pts := back.Backproject(depth, geometry.Repeat(inv, 1))
		for _, f := range ids[1:] {
			grid := proj.Project(pts, geometry.Repeat(k, 1), geometry.Repeat(eye4(), 1))
			out.Warped[frames.FrameScale{Frame: f, Scale: s}] = geometry.Warp(bundle.Image(frames.Color, f, 0), grid)
		}
	}

	c, err := NewComposer(Config{Scales: scales, FrameIDs: ids, Smoothness: 1e-3}, DefaultStrategy(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	losses, err := c.Compute(bundle, out)
	if err != nil {
		t.Fatal(err)
	}
	if got := losses.Total.Item(); math.Abs(got) > 1e-4 {
		t.Fatalf("total loss = %g", got)
	}
	for _, s := range scales {
		if math.Abs(losses.Smoothness[s]) > 1e-12 {
			t.Fatalf("smoothness at scale %d = %g", s, losses.Smoothness[s])
		}
		if out.IdentitySelection[s] == nil {
			t.Fatalf("no identity selection at scale %d", s)
		}
	}
}

func TestAutoMaskTieBreakIsUnbiased(t *testing.T) {
	const h, w = 32, 32
	ids := []frames.FrameID{0, 1}
	target := randomTensor(5, 0, 1, 1, 3, h, w)
	source := randomTensor(6, 0, 1, 1, 3, h, w)
	bundle := bundleFixture(1, h, w, []int{0}, ids, func(f frames.FrameID, _ int) *tensor.Tensor {
		if f == frames.Target {
			return target
		}
		return source
	})
	out := frames.NewOutputs()
	out.Disp[0] = tensor.Full(0.5, 1, 1, h, w)
	// warp candidate identical to the identity candidate
	out.Warped[frames.FrameScale{Frame: 1, Scale: 0}] = source

	c, err := NewComposer(Config{Scales: []int{0}, FrameIDs: ids, Smoothness: 1e-3}, DefaultStrategy(), rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatal(err)
	}
	var warpWins, total float64
	for trial := 0; trial < 10; trial++ {
		if _, err := c.Compute(bundle, out); err != nil {
			t.Fatal(err)
		}
		for _, v := range out.IdentitySelection[0].Data {
			warpWins += v
			total++
		}
	}
	if frac := warpWins / total; math.Abs(frac-0.5) > 0.05 {
		t.Fatalf("warp candidate selected for %.3f of pixels", frac)
	}
}

func TestPredictiveMaskOfOnesHasNoRegularisation(t *testing.T) {
	const h, w = 8, 8
	ids := []frames.FrameID{0, -1, 1}
	bundle := bundleFixture(1, h, w, []int{0, 1}, ids, func(_ frames.FrameID, s int) *tensor.Tensor {
		return randomTensor(int64(s)+7, 0, 1, 1, 3, h>>s, w>>s)
	})
	out := frames.NewOutputs()
	for _, s := range []int{0, 1} {
		out.Disp[s] = tensor.Full(0.5, 1, 1, h>>s, w>>s)
		out.PredictiveMask[s] = tensor.Full(1, 1, 2, h>>s, w>>s)
		for _, f := range ids[1:] {
			out.Warped[frames.FrameScale{Frame: f, Scale: s}] = bundle.Image(frames.Color, f, 0)
		}
	}
	strategy := Strategy{Masking: PredictiveMask{Weight: 0.2}}
	c, err := NewComposer(Config{Scales: []int{0, 1}, FrameIDs: ids, Smoothness: 1e-3}, strategy, nil)
	if err != nil {
		t.Fatal(err)
	}
	losses, err := c.Compute(bundle, out)
	if err != nil {
		t.Fatal(err)
	}
	for s, v := range losses.MaskRegularization {
		if math.Abs(v) > 1e-12 {
			t.Fatalf("mask regularisation at scale %d = %g", s, v)
		}
	}
	if len(out.IdentitySelection) != 0 {
		t.Fatal("identity selection is only recorded with automasking")
	}

	out.PredictiveMask[0] = tensor.Full(0.5, 1, 2, h, w)
	losses, err = c.Compute(bundle, out)
	if err != nil {
		t.Fatal(err)
	}
	if want := 0.2 * math.Log(2); math.Abs(losses.MaskRegularization[0]-want) > 1e-12 {
		t.Fatalf("mask regularisation = %g want %g", losses.MaskRegularization[0], want)
	}
}

func TestComputeReportsMissingWarp(t *testing.T) {
	ids := []frames.FrameID{0, 1}
	bundle := bundleFixture(1, 4, 4, []int{0}, ids, func(frames.FrameID, int) *tensor.Tensor {
		return tensor.Full(0.5, 1, 3, 4, 4)
	})
	out := frames.NewOutputs()
	out.Disp[0] = tensor.Full(0.5, 1, 1, 4, 4)
	c, err := NewComposer(Config{Scales: []int{0}, FrameIDs: ids}, DefaultStrategy(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Compute(bundle, out); !errors.Is(err, ErrMissingInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestGradientReachesDisparity(t *testing.T) {
	const h, w = 8, 8
	ids := []frames.FrameID{0, 1}
	bundle := bundleFixture(1, h, w, []int{0}, ids, func(f frames.FrameID, _ int) *tensor.Tensor {
		return randomTensor(int64(f)+20, 0, 1, 1, 3, h, w)
	})
	disp := tensor.Param(randomTensor(9, 0.2, 0.8, 1, 1, h, w).Data, 1, 1, h, w)
	out := frames.NewOutputs()
	out.Disp[0] = disp
	out.Warped[frames.FrameScale{Frame: 1, Scale: 0}] = tensor.Mul(bundle.Image(frames.Color, 1, 0), disp)

	c, err := NewComposer(Config{Scales: []int{0}, FrameIDs: ids, Smoothness: 1e-3}, Strategy{Masking: NoMasking{}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	losses, err := c.Compute(bundle, out)
	if err != nil {
		t.Fatal(err)
	}
	if err := losses.Total.Backward(); err != nil {
		t.Fatal(err)
	}
	var norm float64
	for _, g := range disp.Grad {
		norm += g * g
	}
	if norm == 0 {
		t.Fatal("no gradient reached the disparity")
	}
}

// extensionFixture builds random frames at every scale and random warped
// candidates. With v1 the candidates match each scale's size, otherwise they
// are full resolution.
func extensionFixture(h, w int, scales []int, ids []frames.FrameID, v1 bool) (*frames.Bundle, *frames.Outputs) {
	bundle := bundleFixture(1, h, w, scales, ids, func(f frames.FrameID, s int) *tensor.Tensor {
		return randomTensor(int64(100+10*s)+int64(f), 0, 1, 1, 3, h>>s, w>>s)
	})
	out := frames.NewOutputs()
	for _, s := range scales {
		out.Disp[s] = randomTensor(int64(200+s), 0.2, 0.8, 1, 1, h>>s, w>>s)
		wh, ww := h, w
		if v1 {
			wh, ww = h>>s, w>>s
		}
		for _, f := range ids[1:] {
			out.Warped[frames.FrameScale{Frame: f, Scale: s}] = randomTensor(int64(300+10*s)+int64(f), 0, 1, 1, 3, wh, ww)
		}
	}
	return bundle, out
}

func computeWith(t *testing.T, cfg Config, strategy Strategy, b *frames.Bundle, out *frames.Outputs) *Losses {
	t.Helper()
	c, err := NewComposer(cfg, strategy, nil)
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	losses, err := c.Compute(b, out)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	return losses
}

// minMean is the mean over pixels of the per-pixel minimum of a and b.
func minMean(a, b *tensor.Tensor) float64 {
	var sum float64
	for i, v := range a.Data {
		sum += math.Min(v, b.Data[i])
	}
	return sum / float64(len(a.Data))
}

func TestReweightScalesIdentityAndWarpCandidates(t *testing.T) {
	const h, w = 8, 8
	scales := []int{0, 1}
	ids := []frames.FrameID{0, -1, 1}
	noNoise := AutoMask{}
	for _, v1 := range []bool{false, true} {
		bundle, out := extensionFixture(h, w, scales, ids, v1)
		cfg := Config{Scales: scales, FrameIDs: ids, Smoothness: 1e-3, V1Multiscale: v1}
		plain := computeWith(t, cfg, Strategy{Masking: noNoise}, bundle, out)

		// one mask covering the whole image gives a weight map of 2 everywhere
		bundle.Attention = tensor.Full(1, 1, 1, h, w)
		weighted := computeWith(t, cfg, Strategy{Masking: noNoise, Reweight: DefaultAttentionReweight()}, bundle, out)
		for _, s := range scales {
			if got, want := weighted.Reprojection[s], 2*plain.Reprojection[s]; math.Abs(got-want) > 1e-9 {
				t.Fatalf("v1=%v scale %d: weighted reprojection %g, want %g", v1, s, got, want)
			}
		}

		// a partial mask still raises the total
		att := tensor.Zeros(1, 1, h, w)
		for p := 0; p < h*w/2; p++ {
			att.Data[p] = 1
		}
		bundle.Attention = att
		partial := computeWith(t, cfg, Strategy{Masking: noNoise, Reweight: DefaultAttentionReweight()}, bundle, out)
		if partial.Total.Item() <= plain.Total.Item() {
			t.Fatalf("v1=%v: reweighted total %g not above %g", v1, partial.Total.Item(), plain.Total.Item())
		}
	}
}

func TestEdgeTermIsAddedToEveryScale(t *testing.T) {
	const h, w = 32, 32
	scales := []int{0, 1}
	ids := []frames.FrameID{0, 1}
	bundle, out := extensionFixture(h, w, scales, ids, false)
	att := tensor.Zeros(1, 1, h, w)
	disp := tensor.Zeros(1, 1, h, w)
	for y := 4; y < 28; y++ {
		for x := 4; x < 28; x++ {
			att.Data[y*w+x] = 1
			disp.Data[y*w+x] = 0.3
			if x >= 16 {
				disp.Data[y*w+x] = 0.9
			}
		}
	}
	bundle.Attention = att
	out.Disp[0] = disp

	cfg := Config{Scales: scales, FrameIDs: ids, Smoothness: 1e-3}
	plain := computeWith(t, cfg, Strategy{Masking: AutoMask{}}, bundle, out)
	edge := DefaultEdgeAlignment()
	withEdge := computeWith(t, cfg, Strategy{Masking: AutoMask{}, Edge: edge}, bundle, out)
	if withEdge.EdgeMasks != 1 || withEdge.Edge <= 0 {
		t.Fatalf("edge %g from %d masks", withEdge.Edge, withEdge.EdgeMasks)
	}
	want := edge.Weight * withEdge.Edge
	for _, s := range scales {
		if got := withEdge.PerScale[s] - plain.PerScale[s]; math.Abs(got-want) > 1e-12 {
			t.Fatalf("scale %d: edge contribution %g, want %g", s, got, want)
		}
	}
	if got := withEdge.Total.Item() - plain.Total.Item(); math.Abs(got-want) > 1e-12 {
		t.Fatalf("total edge contribution %g, want %g", got, want)
	}
	if _, ok := withEdge.Scalars()["edge"]; !ok {
		t.Fatal("edge scalar missing")
	}
}

func TestEdgeEnergyIgnoresPaddingMasks(t *testing.T) {
	const h, w = 16, 16
	// item 0 carries two real masks, item 1 only the zero padding
	att := tensor.Zeros(2, 2, h, w)
	att.Data[8*w+8] = 1
	att.Data[h*w+4*w+4] = 1
	disp := randomTensor(9, 0.5, 1, 2, 1, h, w)
	_, evaluated := EdgeEnergy(disp, att, *DefaultEdgeAlignment())
	if evaluated != 2 {
		t.Fatalf("evaluated %d masks, want 2", evaluated)
	}
}

func TestAvgReprojectionTakesMinOfGroupMeans(t *testing.T) {
	const h, w = 8, 8
	ids := []frames.FrameID{0, -1, 1}
	bundle, out := extensionFixture(h, w, []int{0}, ids, false)
	losses := computeWith(t, Config{Scales: []int{0}, FrameIDs: ids}, Strategy{Masking: AutoMask{}, AvgReprojection: true}, bundle, out)

	target := bundle.Image(frames.Color, frames.Target, 0)
	mean := func(a, b *tensor.Tensor) *tensor.Tensor {
		m := tensor.Zeros(a.Shape()...)
		for i := range m.Data {
			m.Data[i] = (a.Data[i] + b.Data[i]) / 2
		}
		return m
	}
	identity := mean(
		Reprojection(bundle.Image(frames.Color, -1, 0), target, nil, false),
		Reprojection(bundle.Image(frames.Color, 1, 0), target, nil, false),
	)
	warped := mean(
		Reprojection(out.Warped[frames.FrameScale{Frame: -1, Scale: 0}], target, nil, false),
		Reprojection(out.Warped[frames.FrameScale{Frame: 1, Scale: 0}], target, nil, false),
	)
	if got, want := losses.Reprojection[0], minMean(identity, warped); math.Abs(got-want) > 1e-12 {
		t.Fatalf("reprojection %g, want %g", got, want)
	}
	if sel := out.IdentitySelection[0]; sel == nil || sel.Dim(1) != 1 {
		t.Fatalf("identity selection = %v", sel)
	}
}

func TestV1MultiscaleScoresScaleTarget(t *testing.T) {
	const h, w = 8, 8
	scales := []int{0, 1}
	ids := []frames.FrameID{0, 1}
	bundle, out := extensionFixture(h, w, scales, ids, true)
	losses := computeWith(t, Config{Scales: scales, FrameIDs: ids, V1Multiscale: true}, Strategy{Masking: AutoMask{}}, bundle, out)

	target := bundle.Image(frames.Color, frames.Target, 1)
	identity := Reprojection(bundle.Image(frames.Color, 1, 1), target, nil, false)
	warped := Reprojection(out.Warped[frames.FrameScale{Frame: 1, Scale: 1}], target, nil, false)
	if got, want := losses.Reprojection[1], minMean(identity, warped); math.Abs(got-want) > 1e-12 {
		t.Fatalf("scale 1 reprojection %g, want %g", got, want)
	}
	if s := out.IdentitySelection[1].Shape(); s[2] != h/2 || s[3] != w/2 {
		t.Fatalf("scale 1 selection shape %v", s)
	}
}

func TestExtensionsRequireAttention(t *testing.T) {
	const h, w = 8, 8
	ids := []frames.FrameID{0, 1}
	bundle, out := extensionFixture(h, w, []int{0}, ids, false)
	cfg := Config{Scales: []int{0}, FrameIDs: ids}
	for _, s := range []Strategy{
		{Masking: AutoMask{}, Reweight: DefaultAttentionReweight()},
		{Masking: AutoMask{}, Edge: DefaultEdgeAlignment()},
	} {
		c, err := NewComposer(cfg, s, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Compute(bundle, out); !errors.Is(err, ErrMissingInput) {
			t.Fatalf("err = %v", err)
		}
	}
}
