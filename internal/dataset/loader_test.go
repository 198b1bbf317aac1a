package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"depthforge/internal/frames"
)

const testH, testW = 4, 8

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func uniformRGB(t *testing.T, v uint8) []byte {
	img := image.NewRGBA(image.Rect(0, 0, testW, testH))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return pngBytes(t, img)
}

// sampleEntries builds the members of one mono sample whose colour encodes id.
func sampleEntries(t *testing.T, key string, id int) []tarEntry {
	v := uint8(id * 10)
	return []tarEntry{
		{key + ".f0.png", uniformRGB(t, v)},
		{key + ".f-1.png", uniformRGB(t, v)},
		{key + ".f1.png", uniformRGB(t, v)},
	}
}

func writeSamples(t *testing.T, path string, keys ...string) {
	var entries []tarEntry
	for i, k := range keys {
		entries = append(entries, sampleEntries(t, k, i)...)
	}
	writeShard(t, path, entries)
}

func testDecoder() *Decoder {
	return &Decoder{
		Height:   testH,
		Width:    testW,
		Scales:   []int{0, 1},
		FrameIDs: []frames.FrameID{0, -1, 1},
	}
}

func twoRootFixture(t *testing.T) map[string][]string {
	dir := t.TempDir()
	rootA := filepath.Join(dir, "a")
	rootB := filepath.Join(dir, "b")
	writeSamples(t, filepath.Join(rootA, "shard-000000.tar"), "a0", "a1", "a2")
	writeSamples(t, filepath.Join(rootA, "shard-000001.tar"), "a3", "a4")
	writeSamples(t, filepath.Join(rootB, "shard-000000.tar"), "b0", "b1")
	roots, err := DiscoverByRoot([]string{rootA, rootB})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	return roots
}

func collectKeys(t *testing.T, p Provider) ([]string, []int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	batches, errCh := p.Batches(ctx)
	var keys []string
	var sizes []int
	for b := range batches {
		keys = append(keys, b.Keys...)
		sizes = append(sizes, b.BatchSize())
	}
	if err := <-errCh; err != nil {
		t.Fatalf("pass error: %v", err)
	}
	return keys, sizes
}

func TestLoaderRoundRobinOrder(t *testing.T) {
	roots := twoRootFixture(t)
	for _, workers := range []int{1, 3} {
		l, err := NewLoader(LoaderOptions{Roots: roots, Decoder: testDecoder(), BatchSize: 2, NumWorkers: workers})
		if err != nil {
			t.Fatalf("NewLoader: %v", err)
		}
		if l.Samples() != 7 || l.Len() != 4 {
			t.Fatalf("samples=%d len=%d", l.Samples(), l.Len())
		}
		keys, sizes := collectKeys(t, l)
		want := []string{"a0", "a1", "a2", "b0", "b1", "a3", "a4"}
		if !reflect.DeepEqual(keys, want) {
			t.Fatalf("workers=%d keys %v want %v", workers, keys, want)
		}
		if !reflect.DeepEqual(sizes, []int{2, 2, 2, 1}) {
			t.Fatalf("batch sizes %v", sizes)
		}
	}
}

func TestLoaderDropLast(t *testing.T) {
	l, err := NewLoader(LoaderOptions{Roots: twoRootFixture(t), Decoder: testDecoder(), BatchSize: 2, DropLast: true})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	keys, sizes := collectKeys(t, l)
	if l.Len() != 3 || len(sizes) != 3 || len(keys) != 6 {
		t.Fatalf("len=%d sizes=%v keys=%v", l.Len(), sizes, keys)
	}
}

func TestLoaderShuffleIsSeeded(t *testing.T) {
	roots := twoRootFixture(t)
	opts := LoaderOptions{Roots: roots, Decoder: testDecoder(), BatchSize: 3, NumWorkers: 2, Shuffle: true, Seed: 9, ShuffleBuffer: 4}
	l1, err := NewLoader(opts)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := NewLoader(opts)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := collectKeys(t, l1)
	again, _ := collectKeys(t, l2)
	if !reflect.DeepEqual(first, again) {
		t.Fatalf("same seed gave %v and %v", first, again)
	}
	sorted := append([]string(nil), first...)
	sort.Strings(sorted)
	if !reflect.DeepEqual(sorted, []string{"a0", "a1", "a2", "a3", "a4", "b0", "b1"}) {
		t.Fatalf("shuffled pass lost or duplicated samples: %v", first)
	}
}

func TestLoaderReportsDecodeError(t *testing.T) {
	dir := t.TempDir()
	shard := filepath.Join(dir, "shard-000000.tar")
	writeShard(t, shard, []tarEntry{{"x.f0.png", uniformRGB(t, 1)}})
	l, err := NewLoader(LoaderOptions{Roots: map[string][]string{dir: {shard}}, Decoder: testDecoder(), BatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	batches, errCh := l.Batches(context.Background())
	for range batches {
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected missing frame error")
	}
}

func TestDecodeDepthMasksAndStereo(t *testing.T) {
	depth := image.NewGray16(image.Rect(0, 0, 3, 2))
	depth.SetGray16(1, 0, color.Gray16{Y: 512})
	mask := image.NewGray(image.Rect(0, 0, testW, testH))
	mask.SetGray(2, 1, color.Gray{Y: 255})

	dec := &Decoder{
		Height: testH, Width: testW, Scales: []int{0},
		FrameIDs:  []frames.FrameID{0, frames.Stereo},
		LoadDepth: true, LoadAttention: true,
	}
	s := Sample{Key: "k", Members: map[string][]byte{
		"f0.png":             uniformRGB(t, 255),
		"fs.png":             uniformRGB(t, 0),
		"side":               []byte("l\n"),
		"depth.png":          pngBytes(t, depth),
		"attn.car_0.5.png":   pngBytes(t, mask),
		"attn.bike_0.25.png": pngBytes(t, mask),
	}}
	ex, err := dec.Decode(s)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ex.Side != "l" || ex.DepthGTH != 2 || ex.DepthGTW != 3 || ex.DepthGT[1] != 2 {
		t.Fatalf("side=%q depth %dx%d %v", ex.Side, ex.DepthGTH, ex.DepthGTW, ex.DepthGT)
	}
	if len(ex.Masks) != 2 || ex.Masks[0].Name != "bike_0.25" || ex.Masks[1].Confidence != 0.5 {
		t.Fatalf("masks %+v", ex.Masks)
	}
	if v := ex.Masks[1].Pixels[1*testW+2]; v != 0.5 {
		t.Fatalf("mask pixel scaled by confidence = %v", v)
	}
	if c := ex.Colors[frames.FrameScale{Frame: 0, Scale: 0}]; c[0] != 1 {
		t.Fatalf("colour not normalised: %v", c[0])
	}

	delete(s.Members, "side")
	if _, err := dec.Decode(s); err == nil {
		t.Fatal("expected error for stereo sample without side")
	}
}

func TestStereoTransformBaseline(t *testing.T) {
	if l, r := StereoTransform("l")[3], StereoTransform("r")[3]; l != -0.1 || r != 0.1 {
		t.Fatalf("baseline l=%v r=%v", l, r)
	}
}

func TestCollateShapesAndPadding(t *testing.T) {
	dec := testDecoder()
	var examples []*Example
	for i, n := range []int{0, 2} {
		ex, err := dec.Decode(Sample{Key: fmt.Sprint(i), Members: map[string][]byte{
			"f0.png": uniformRGB(t, 10), "f-1.png": uniformRGB(t, 20), "f1.png": uniformRGB(t, 30),
		}})
		if err != nil {
			t.Fatal(err)
		}
		for j := 0; j < n; j++ {
			px := make([]float64, testH*testW)
			px[j] = 1
			ex.Masks = append(ex.Masks, Mask{Name: fmt.Sprint(j), Confidence: 1, Pixels: px})
		}
		examples = append(examples, ex)
	}
	b, err := Collate(examples, dec)
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}
	img := b.Image(frames.Color, -1, 1)
	if !reflect.DeepEqual(img.Shape(), []int{2, 3, testH / 2, testW / 2}) {
		t.Fatalf("scale 1 shape %v", img.Shape())
	}
	if b.Image(frames.ColorAug, -1, 1) != img {
		t.Fatal("color_aug should share the colour tensor")
	}
	if math.Abs(img.Data[0]-20.0/255) > 1e-12 {
		t.Fatalf("pixel %v", img.Data[0])
	}
	if k := b.K[1]; !reflect.DeepEqual(k.Shape(), []int{2, 4, 4}) || math.Abs(k.At(0, 0, 0)-0.58*testW/2) > 1e-12 {
		t.Fatalf("K at scale 1 = %v", k.Data[:4])
	}
	if b.StereoT != nil || b.DepthGT != nil {
		t.Fatal("mono batch without depth should have no stereo transform or depth")
	}
	if !reflect.DeepEqual(b.Attention.Shape(), []int{2, 2, testH, testW}) {
		t.Fatalf("attention shape %v", b.Attention.Shape())
	}
	if b.Attention.At(1, 1, 0, 1) != 1 || b.Attention.At(0, 0, 0, 0) != 0 {
		t.Fatal("attention masks misplaced")
	}
}

func TestCollateKeepsEmptyAttentionWhenRequested(t *testing.T) {
	dec := testDecoder()
	ex, err := dec.Decode(Sample{Key: "k", Members: map[string][]byte{
		"f0.png": uniformRGB(t, 10), "f-1.png": uniformRGB(t, 20), "f1.png": uniformRGB(t, 30),
	}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Collate([]*Example{ex}, dec)
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}
	if b.Attention != nil {
		t.Fatal("attention is only collated when requested or present")
	}

	dec.LoadAttention = true
	b, err = Collate([]*Example{ex}, dec)
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}
	if b.Attention == nil || !reflect.DeepEqual(b.Attention.Shape(), []int{1, 1, testH, testW}) {
		t.Fatalf("attention = %v", b.Attention)
	}
	for _, v := range b.Attention.Data {
		if v != 0 {
			t.Fatalf("padding mask should be empty, got %v", v)
		}
	}
}

func TestCyclerReplaysFirstBatch(t *testing.T) {
	l, err := NewLoader(LoaderOptions{Roots: twoRootFixture(t), Decoder: testDecoder(), BatchSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	c := NewCycler(l)
	defer c.Close()
	ctx := context.Background()
	var got [][]string
	for i := 0; i < 3; i++ {
		b, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		got = append(got, b.Keys)
	}
	if !reflect.DeepEqual(got[2], got[0]) || reflect.DeepEqual(got[1], got[0]) {
		t.Fatalf("batches %v", got)
	}
}

func TestCyclerEmptyProvider(t *testing.T) {
	c := NewCycler(NewMemory())
	defer c.Close()
	if _, err := c.Next(context.Background()); !errors.Is(err, ErrEmptyPass) {
		t.Fatalf("expected ErrEmptyPass, got %v", err)
	}
}
