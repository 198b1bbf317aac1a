package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"depthforge/internal/dataset"
	"depthforge/internal/loss"
	"depthforge/internal/metrics"
	"depthforge/internal/network"
	"depthforge/internal/optim"
	"depthforge/internal/tensor"
)

// ErrNonFinite is returned when a training loss is NaN or infinite.
var ErrNonFinite = errors.New("trainer: non-finite loss")

// lateLogInterval is the global step after which logging slows to one
// event every lateLogInterval steps.
const lateLogInterval = 2000

// Trainer owns the model parameters, optimiser and scheduler of one run.
type Trainer struct {
	opts   Options
	deps   Deps
	log    *log.Logger
	models Models

	// components in save order, keyed by their checkpoint name.
	names      []string
	components map[string]network.Component

	optimizer *optim.Adam
	scheduler *optim.StepLR
	composer  *loss.Composer
	val       *dataset.Cycler

	projectors map[projectorKey]projectors

	epoch    int
	step     int
	progress metrics.Progress
	window   metrics.Window
}

// New validates opts and deps and prepares a run. When LoadWeightsFolder is
// set the selected components and the optimiser state are restored.
func New(opts Options, deps Deps) (*Trainer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := deps.check(opts); err != nil {
		return nil, err
	}
	if opts.SchedulerGamma == 0 {
		opts.SchedulerGamma = 0.1
	}

	t := &Trainer{
		opts:       opts,
		deps:       deps,
		log:        deps.Logger,
		models:     deps.Models,
		components: make(map[string]network.Component),
		projectors: make(map[projectorKey]projectors),
	}
	t.register(ComponentDepth, deps.Models.Depth)
	if deps.Models.Pose != nil && opts.UsePoseNet() {
		t.register(ComponentPose, deps.Models.Pose)
	} else {
		t.models.Pose = nil
	}
	if _, ok := opts.Strategy.Masking.(loss.PredictiveMask); ok {
		t.register(ComponentPredictiveMask, deps.Models.PredictiveMask)
	} else {
		t.models.PredictiveMask = nil
	}

	var params []*tensor.Tensor
	for _, n := range t.names {
		params = append(params, t.components[n].Parameters()...)
	}
	var err error
	if t.optimizer, err = optim.NewAdam(params, opts.LearningRate); err != nil {
		return nil, err
	}
	t.scheduler = optim.NewStepLR(opts.LearningRate, opts.SchedulerStepSize, opts.SchedulerGamma)

	t.composer, err = loss.NewComposer(loss.Config{
		Scales:       opts.Scales,
		FrameIDs:     opts.FrameIDs,
		Smoothness:   opts.Smoothness,
		V1Multiscale: opts.V1Multiscale,
	}, opts.Strategy, rand.New(rand.NewSource(opts.Seed)))
	if err != nil {
		return nil, err
	}

	if opts.LoadWeightsFolder != "" {
		if err := t.load(opts.LoadWeightsFolder); err != nil {
			return nil, err
		}
	}
	t.val = dataset.NewCycler(deps.Val)
	t.progress = metrics.Progress{TotalSteps: deps.Train.Len() * opts.NumEpochs}

	t.log.Printf("model=%s components=%v masking=%s frames=%v scales=%v", opts.ModelName, t.names, opts.Strategy.Masking.Name(), opts.FrameIDs, opts.Scales)
	t.log.Printf("train_batches=%d val_batches=%d total_steps=%d", deps.Train.Len(), deps.Val.Len(), t.progress.TotalSteps)
	return t, nil
}

func (t *Trainer) register(name string, c network.Component) {
	t.names = append(t.names, name)
	t.components[name] = c
}

// Step returns the number of optimisation steps taken so far.
func (t *Trainer) Step() int { return t.step }

// Train runs every epoch. Cancelling ctx stops the loop between batches.
func (t *Trainer) Train(ctx context.Context) error {
	defer t.val.Close()
	t.progress.Start = time.Now()
	for t.epoch = 0; t.epoch < t.opts.NumEpochs; t.epoch++ {
		lr := t.scheduler.Step(t.optimizer)
		t.log.Printf("epoch=%d lr=%.3g", t.epoch, lr)
		if err := t.runEpoch(ctx); err != nil {
			return err
		}
		if (t.epoch+1)%t.opts.SaveFrequency == 0 {
			if err := t.Save(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Trainer) runEpoch(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	t.setTraining(true)
	batches, errCh := t.deps.Train.Batches(ctx)
	batchIdx := 0
	dataStart := time.Now()
	for b := range batches {
		dataTime := time.Since(dataStart)
		computeStart := time.Now()

		out, losses, err := t.ProcessBatch(b)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", t.epoch, batchIdx, err)
		}
		total := losses.Total.Item()
		if math.IsNaN(total) || math.IsInf(total, 0) {
			return fmt.Errorf("%w: epoch %d batch %d step %d loss %v", ErrNonFinite, t.epoch, batchIdx, t.step, total)
		}
		t.optimizer.ZeroGrad()
		if err := losses.Total.Backward(); err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", t.epoch, batchIdx, err)
		}
		t.optimizer.Step()
		computeTime := time.Since(computeStart)
		t.window.Record(b.BatchSize(), dataTime, computeTime, total)

		early := batchIdx%t.opts.LogFrequency == 0 && t.step < lateLogInterval
		late := t.step%lateLogInterval == 0
		if early || late {
			t.logTime(batchIdx)
			t.logEvents("train", b, out, losses)
			if err := t.validate(ctx); err != nil {
				return err
			}
		}

		t.step++
		batchIdx++
		if err := parent.Err(); err != nil {
			return err
		}
		dataStart = time.Now()
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("epoch %d: %w", t.epoch, err)
	}
	return parent.Err()
}

// validate scores one validation batch without building a graph through
// the parameters.
func (t *Trainer) validate(ctx context.Context) error {
	t.setTraining(false)
	defer t.setTraining(true)

	b, err := t.val.Next(ctx)
	if err != nil {
		return fmt.Errorf("validation batch: %w", err)
	}
	out, losses, err := t.ProcessBatch(b)
	if err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	t.logEvents("val", b, out, losses)
	return nil
}

func (t *Trainer) setTraining(training bool) {
	for _, c := range t.components {
		c.SetTraining(training)
	}
}
