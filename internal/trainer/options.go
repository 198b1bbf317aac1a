// Package trainer runs the self-supervised depth and pose training loop:
// forward passes, view synthesis, loss composition, optimisation, periodic
// validation, event logging and checkpointing.
package trainer

import (
	"errors"
	"fmt"
	"log"

	"depthforge/internal/checkpoint"
	"depthforge/internal/dataset"
	"depthforge/internal/frames"
	"depthforge/internal/loss"
	"depthforge/internal/metrics"
	"depthforge/internal/network"
)

// Pose input modes.
const (
	PoseInputPairs = "pairs"
	PoseInputAll   = "all"
)

// Component names used for checkpoint files and ModelsToLoad.
const (
	ComponentDepth          = "depth"
	ComponentPose           = "pose"
	ComponentPredictiveMask = "predictive_mask"
)

// Options holds every runtime setting of a training run.
type Options struct {
	ModelName string
	Height    int
	Width     int
	Scales    []int
	// FrameIDs starts with the target. frames.Stereo is included when
	// training on stereo pairs.
	FrameIDs []frames.FrameID
	MinDepth float64
	MaxDepth float64

	BatchSize         int
	LearningRate      float64
	NumEpochs         int
	SchedulerStepSize int
	SchedulerGamma    float64

	Smoothness   float64
	V1Multiscale bool
	PoseInput    string
	Strategy     loss.Strategy

	LogFrequency  int
	SaveFrequency int

	LoadWeightsFolder string
	ModelsToLoad      []string

	Device string
	Seed   int64
}

// Models are the trainable components. Pose is nil for stereo-only runs and
// PredictiveMask is only set with the predictive masking strategy.
type Models struct {
	Depth          network.DepthPredictor
	Pose           network.PosePredictor
	PredictiveMask network.DepthPredictor
}

// Deps are the collaborators a Trainer drives.
type Deps struct {
	Logger *log.Logger
	Train  dataset.Provider
	Val    dataset.Provider
	Models Models
	Sink   metrics.EventSink
	Store  *checkpoint.Store
}

// UseStereo reports whether the stereo frame is part of the run.
func (o Options) UseStereo() bool {
	for _, f := range o.FrameIDs {
		if f.IsStereo() {
			return true
		}
	}
	return false
}

// TemporalFrames returns the non-stereo frame ids in configured order.
func (o Options) TemporalFrames() []frames.FrameID {
	out := make([]frames.FrameID, 0, len(o.FrameIDs))
	for _, f := range o.FrameIDs {
		if !f.IsStereo() {
			out = append(out, f)
		}
	}
	return out
}

// UsePoseNet is false when the only source frame is the stereo pair.
func (o Options) UsePoseNet() bool {
	return len(o.TemporalFrames()) > 1
}

// PoseFrames is the number of frames fed to one pose prediction.
func (o Options) PoseFrames() int {
	if o.PoseInput == PoseInputAll {
		return len(o.TemporalFrames())
	}
	return 2
}

// PoseOutputs is the number of poses one prediction must yield.
func (o Options) PoseOutputs() int {
	if o.PoseInput == PoseInputAll {
		return len(o.TemporalFrames()) - 1
	}
	return 1
}

// Validate checks o before any compute happens.
func (o Options) Validate() error {
	if o.Height <= 0 || o.Height%32 != 0 {
		return fmt.Errorf("trainer: height %d must be a positive multiple of 32", o.Height)
	}
	if o.Width <= 0 || o.Width%32 != 0 {
		return fmt.Errorf("trainer: width %d must be a positive multiple of 32", o.Width)
	}
	if len(o.FrameIDs) < 2 || o.FrameIDs[0] != frames.Target {
		return fmt.Errorf("trainer: frame ids %v must start with 0 and name a source frame", o.FrameIDs)
	}
	seen := make(map[frames.FrameID]bool, len(o.FrameIDs))
	for _, f := range o.FrameIDs {
		if seen[f] {
			return fmt.Errorf("trainer: duplicate frame id %s", f)
		}
		seen[f] = true
	}
	if len(o.Scales) == 0 {
		return errors.New("trainer: at least one scale is required")
	}
	for i, s := range o.Scales {
		if s != i {
			return fmt.Errorf("trainer: scales %v must be 0..n in order", o.Scales)
		}
	}
	if o.MinDepth <= 0 || o.MaxDepth <= o.MinDepth {
		return fmt.Errorf("trainer: need 0 < min_depth < max_depth, got %g and %g", o.MinDepth, o.MaxDepth)
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("trainer: batch size %d", o.BatchSize)
	}
	if o.LearningRate <= 0 {
		return fmt.Errorf("trainer: learning rate %g", o.LearningRate)
	}
	if o.NumEpochs <= 0 {
		return fmt.Errorf("trainer: num epochs %d", o.NumEpochs)
	}
	if o.SchedulerStepSize <= 0 {
		return fmt.Errorf("trainer: scheduler step size %d", o.SchedulerStepSize)
	}
	if o.LogFrequency <= 0 || o.SaveFrequency <= 0 {
		return fmt.Errorf("trainer: log frequency %d and save frequency %d must be positive", o.LogFrequency, o.SaveFrequency)
	}
	if o.PoseInput != PoseInputPairs && o.PoseInput != PoseInputAll {
		return fmt.Errorf("trainer: pose input %q, want pairs or all", o.PoseInput)
	}
	if o.Device != "cpu" {
		return fmt.Errorf("trainer: device %q is not available, only cpu", o.Device)
	}
	for _, n := range o.ModelsToLoad {
		switch n {
		case ComponentDepth, ComponentPose, ComponentPredictiveMask:
		default:
			return fmt.Errorf("trainer: unknown model %q in models_to_load", n)
		}
	}
	return o.Strategy.Validate()
}

// NewReferenceModels builds the reference predictors sized for o.
func NewReferenceModels(o Options) Models {
	m := Models{Depth: network.NewPixelDepth(ComponentDepth, o.Scales, 1, o.Seed)}
	if o.UsePoseNet() {
		m.Pose = network.NewMeanPose(ComponentPose, o.PoseFrames(), o.PoseOutputs(), o.Seed+1)
	}
	if _, ok := o.Strategy.Masking.(loss.PredictiveMask); ok {
		m.PredictiveMask = network.NewPixelDepth(ComponentPredictiveMask, o.Scales, len(o.FrameIDs)-1, o.Seed+2)
	}
	return m
}

func (d *Deps) check(o Options) error {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	if d.Sink == nil {
		d.Sink = metrics.Discard{}
	}
	if d.Train == nil || d.Val == nil {
		return errors.New("trainer: train and val providers are required")
	}
	if d.Store == nil {
		return errors.New("trainer: checkpoint store is required")
	}
	if d.Models.Depth == nil {
		return errors.New("trainer: depth model is required")
	}
	if o.UsePoseNet() {
		if d.Models.Pose == nil {
			return errors.New("trainer: pose model is required for temporal frames")
		}
		if got, want := d.Models.Pose.Outputs(), o.PoseOutputs(); got < want {
			return fmt.Errorf("trainer: pose model yields %d poses, %s input needs %d", got, o.PoseInput, want)
		}
	}
	_, predictive := o.Strategy.Masking.(loss.PredictiveMask)
	if predictive && d.Models.PredictiveMask == nil {
		return errors.New("trainer: predictive masking needs a predictive_mask model")
	}
	return nil
}
