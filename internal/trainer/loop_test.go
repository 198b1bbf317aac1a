package trainer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"depthforge/internal/checkpoint"
	"depthforge/internal/dataset"
	"depthforge/internal/frames"
	"depthforge/internal/geometry"
	"depthforge/internal/loss"
	"depthforge/internal/tensor"
)

const testSize = 32

func testOptions() Options {
	return Options{
		ModelName:         "test",
		Height:            testSize,
		Width:             testSize,
		Scales:            []int{0, 1},
		FrameIDs:          []frames.FrameID{0, -1, 1},
		MinDepth:          0.1,
		MaxDepth:          100,
		BatchSize:         2,
		LearningRate:      1e-3,
		NumEpochs:         1,
		SchedulerStepSize: 15,
		Smoothness:        1e-3,
		PoseInput:         PoseInputPairs,
		Strategy:          loss.DefaultStrategy(),
		LogFrequency:      1,
		SaveFrequency:     1,
		Device:            "cpu",
		Seed:              3,
	}
}

// grayBundle builds a batch of grey frames; value picks the level of each
// pixel at full resolution.
func grayBundle(t *testing.T, opts Options, value func(f frames.FrameID, x, y int) float64) *frames.Bundle {
	t.Helper()
	b := &frames.Bundle{
		Keys:   make([]string, opts.BatchSize),
		Images: make(map[frames.Key]*tensor.Tensor),
	}
	for _, s := range opts.Scales {
		h, w := opts.Height>>s, opts.Width>>s
		for _, f := range opts.FrameIDs {
			img := tensor.Zeros(opts.BatchSize, 3, h, w)
			for i := range img.Data {
				x, y := i%w, (i/w)%h
				img.Data[i] = value(f, x<<s, y<<s)
			}
			b.Images[frames.Key{Role: frames.Color, Frame: f, Scale: s}] = img
			b.Images[frames.Key{Role: frames.ColorAug, Frame: f, Scale: s}] = img
		}
		k, inv, err := geometry.KITTI().Scaled(opts.Width, opts.Height, s)
		if err != nil {
			t.Fatalf("intrinsics: %v", err)
		}
		b.K = append(b.K, geometry.Repeat(k, opts.BatchSize))
		b.InvK = append(b.InvK, geometry.Repeat(inv, opts.BatchSize))
	}
	if opts.UseStereo() {
		var data []float64
		for i := 0; i < opts.BatchSize; i++ {
			data = append(data, dataset.StereoTransform("l")...)
		}
		b.StereoT = tensor.New(data, opts.BatchSize, 4, 4)
	}
	return b
}

func constant(v float64) func(frames.FrameID, int, int) float64 {
	return func(frames.FrameID, int, int) float64 { return v }
}

// textured shifts a smooth pattern horizontally by the frame offset.
func textured(f frames.FrameID, x, y int) float64 {
	return 0.5 + 0.3*math.Sin(0.4*float64(x+int(f)))*math.Cos(0.3*float64(y))
}

type recordingSink struct {
	mu      sync.Mutex
	scalars map[string][]int
	images  map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{scalars: make(map[string][]int), images: make(map[string]int)}
}

func (r *recordingSink) Scalar(mode, tag string, step int, _ float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scalars[mode+"/"+tag] = append(r.scalars[mode+"/"+tag], step)
	return nil
}

func (r *recordingSink) Image(mode, tag string, _ int, _ image.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[mode+"/"+tag]++
	return nil
}

func (r *recordingSink) Close() error { return nil }

func newTestTrainer(t *testing.T, opts Options, train, val dataset.Provider, sink *recordingSink, logs *bytes.Buffer) (*Trainer, *checkpoint.Store) {
	t.Helper()
	store := checkpoint.NewStore(t.TempDir(), opts.ModelName)
	if logs == nil {
		logs = &bytes.Buffer{}
	}
	deps := Deps{
		Logger: log.New(logs, "", 0),
		Train:  train,
		Val:    val,
		Models: NewReferenceModels(opts),
		Store:  store,
	}
	if sink != nil {
		deps.Sink = sink
	}
	tr, err := New(opts, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, store
}

func TestConstantSceneLossIsNearZero(t *testing.T) {
	opts := testOptions()
	b := grayBundle(t, opts, constant(0.5))
	tr, _ := newTestTrainer(t, opts, dataset.NewMemory(b), dataset.NewMemory(b), nil, nil)
	out, losses, err := tr.ProcessBatch(b)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if total := losses.Total.Item(); math.Abs(total) > 1e-4 {
		t.Fatalf("constant scene loss = %g", total)
	}
	for _, f := range []frames.FrameID{-1, 1} {
		if out.CamT[f] == nil || out.Warped[frames.FrameScale{Frame: f, Scale: 1}] == nil {
			t.Fatalf("missing pose or warp for frame %s", f)
		}
	}
	if got := out.Depth[1].Shape(); got[2] != testSize || got[3] != testSize {
		t.Fatalf("depth at scale 1 should be upsampled to full size, got %v", got)
	}
}

func TestTrainLogsValidatesAndSaves(t *testing.T) {
	opts := testOptions()
	opts.NumEpochs = 2
	opts.SaveFrequency = 2
	train := dataset.NewMemory(
		grayBundle(t, opts, textured),
		grayBundle(t, opts, func(f frames.FrameID, x, y int) float64 { return 0.5 + 0.05*float64(f) }),
	)
	val := dataset.NewMemory(grayBundle(t, opts, constant(0.5)))
	sink := newRecordingSink()
	tr, store := newTestTrainer(t, opts, train, val, sink, nil)

	if err := tr.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if tr.Step() != 4 {
		t.Fatalf("step = %d, want 4", tr.Step())
	}
	if got := sink.scalars["train/loss"]; len(got) != 4 || got[3] != 3 {
		t.Fatalf("train loss steps %v", got)
	}
	if got := sink.scalars["val/loss"]; len(got) != 4 {
		t.Fatalf("val loss steps %v", got)
	}
	if sink.images["train/disp_1/1"] != 4 || sink.images["val/automask_0/0"] != 4 || sink.images["train/color_pred_-1_0/0"] != 4 {
		t.Fatalf("images %v", sink.images)
	}
	if _, err := os.Stat(filepath.Join(store.WeightsDir(0), "depth.ckpt")); !os.IsNotExist(err) {
		t.Fatalf("epoch 0 should not be saved with save frequency 2: %v", err)
	}
	for _, name := range []string{"depth.ckpt", "pose.ckpt", "adam.ckpt"} {
		if _, err := os.Stat(filepath.Join(store.WeightsDir(1), name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestLogCadence(t *testing.T) {
	opts := testOptions()
	opts.LogFrequency = 2
	b := grayBundle(t, opts, constant(0.5))
	sink := newRecordingSink()
	tr, _ := newTestTrainer(t, opts, dataset.NewMemory(b, b, b, b, b), dataset.NewMemory(b), sink, nil)
	if err := tr.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	got := sink.scalars["train/loss"]
	if len(got) != 3 || got[0] != 0 || got[1] != 2 || got[2] != 4 {
		t.Fatalf("logged steps %v, want [0 2 4]", got)
	}
}

func TestNonFiniteLossStopsTraining(t *testing.T) {
	opts := testOptions()
	b := grayBundle(t, opts, constant(0.5))
	for _, s := range opts.Scales {
		for _, f := range opts.FrameIDs {
			b.Image(frames.Color, f, s).Data[0] = math.NaN()
		}
	}
	tr, _ := newTestTrainer(t, opts, dataset.NewMemory(b), dataset.NewMemory(b), nil, nil)
	if err := tr.Train(context.Background()); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite, got %v", err)
	}
}

func TestCancelledContextStopsTraining(t *testing.T) {
	opts := testOptions()
	b := grayBundle(t, opts, constant(0.5))
	tr, _ := newTestTrainer(t, opts, dataset.NewMemory(b, b, b), dataset.NewMemory(b), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Train(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	b := grayBundle(t, testOptions(), constant(0.5))
	mem := dataset.NewMemory(b)
	cases := map[string]func(o *Options){
		"height":      func(o *Options) { o.Height = 100 },
		"frames":      func(o *Options) { o.FrameIDs = []frames.FrameID{1, 0} },
		"duplicate":   func(o *Options) { o.FrameIDs = []frames.FrameID{0, 1, 1} },
		"scales":      func(o *Options) { o.Scales = []int{1, 2} },
		"depth range": func(o *Options) { o.MinDepth = 10; o.MaxDepth = 1 },
		"device":      func(o *Options) { o.Device = "cuda" },
		"pose input":  func(o *Options) { o.PoseInput = "triplets" },
		"models":      func(o *Options) { o.ModelsToLoad = []string{"encoder"} },
	}
	for name, mutate := range cases {
		opts := testOptions()
		mutate(&opts)
		_, err := New(opts, Deps{Train: mem, Val: mem, Models: Models{}, Store: checkpoint.NewStore(t.TempDir(), "x")})
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	opts := testOptions()
	opts.Strategy.Masking = loss.PredictiveMask{Weight: 0.2}
	models := NewReferenceModels(testOptions())
	if _, err := New(opts, Deps{Train: mem, Val: mem, Models: models, Store: checkpoint.NewStore(t.TempDir(), "x")}); err == nil {
		t.Fatal("predictive masking without a mask model must fail")
	}
}

func TestPoseInputAll(t *testing.T) {
	opts := testOptions()
	opts.PoseInput = PoseInputAll
	b := grayBundle(t, opts, constant(0.5))
	tr, _ := newTestTrainer(t, opts, dataset.NewMemory(b), dataset.NewMemory(b), nil, nil)
	out, _, err := tr.ProcessBatch(b)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if out.AxisAngle[-1] == nil || out.AxisAngle[1] == nil || out.AxisAngle[-1] == out.AxisAngle[1] {
		t.Fatal("all-frames mode should yield one pose per source frame")
	}
}

func TestStereoOnlyRunsWithoutPoseModel(t *testing.T) {
	opts := testOptions()
	opts.FrameIDs = []frames.FrameID{0, frames.Stereo}
	if opts.UsePoseNet() {
		t.Fatal("stereo-only runs need no pose model")
	}
	b := grayBundle(t, opts, constant(0.5))
	tr, _ := newTestTrainer(t, opts, dataset.NewMemory(b), dataset.NewMemory(b), nil, nil)
	out, _, err := tr.ProcessBatch(b)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(out.CamT) != 0 || out.Warped[frames.FrameScale{Frame: frames.Stereo, Scale: 0}] == nil {
		t.Fatal("stereo frame should be warped with the provider transform")
	}
}

func TestPredictiveMaskRun(t *testing.T) {
	opts := testOptions()
	opts.Strategy.Masking = loss.PredictiveMask{Weight: 0.2}
	b := grayBundle(t, opts, constant(0.5))
	sink := newRecordingSink()
	tr, _ := newTestTrainer(t, opts, dataset.NewMemory(b), dataset.NewMemory(b), sink, nil)
	if err := tr.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if sink.images["train/predictive_mask_1_0/0"] != 1 || len(sink.scalars["train/mask_reg/0"]) != 1 {
		t.Fatalf("scalars %v images %v", sink.scalars, sink.images)
	}
}

func TestLoadRestoresSelectedComponents(t *testing.T) {
	opts := testOptions()
	b := grayBundle(t, opts, textured)
	mem := dataset.NewMemory(b)
	first, store := newTestTrainer(t, opts, mem, mem, nil, nil)
	if err := first.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	dir := store.WeightsDir(0)
	wantDepth := first.components[ComponentDepth].Parameters()[0].Data

	if err := os.Remove(filepath.Join(dir, "adam.ckpt")); err != nil {
		t.Fatal(err)
	}
	opts.LoadWeightsFolder = dir
	opts.ModelsToLoad = []string{ComponentDepth}
	logs := &bytes.Buffer{}
	second, _ := newTestTrainer(t, opts, mem, mem, nil, logs)

	gotDepth := second.components[ComponentDepth].Parameters()[0].Data
	for i := range wantDepth {
		if gotDepth[i] != wantDepth[i] {
			t.Fatalf("depth parameter %d = %v, want %v", i, gotDepth[i], wantDepth[i])
		}
	}
	trainedPose := first.components[ComponentPose].Parameters()[0].Data
	freshPose := second.components[ComponentPose].Parameters()[0].Data
	same := true
	for i := range trainedPose {
		if trainedPose[i] != freshPose[i] {
			same = false
		}
	}
	if same {
		t.Fatal("pose was not in models_to_load and should keep its initial weights")
	}
	if !strings.Contains(logs.String(), "no optimizer state") {
		t.Fatalf("expected optimizer warning, logs:\n%s", logs.String())
	}

	opts.LoadWeightsFolder = filepath.Join(t.TempDir(), "missing")
	_, err := New(opts, Deps{Train: mem, Val: mem, Models: NewReferenceModels(opts), Store: store, Logger: log.New(&bytes.Buffer{}, "", 0)})
	if err == nil {
		t.Fatal("expected error for missing weights folder")
	}
}
