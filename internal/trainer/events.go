package trainer

import (
	"fmt"
	"image"
	"sort"
	"time"

	"depthforge/internal/frames"
	"depthforge/internal/loss"
	"depthforge/internal/metrics"
	"depthforge/internal/tensor"
)

// maxLoggedImages bounds the batch items written as image events.
const maxLoggedImages = 4

func (t *Trainer) logTime(batchIdx int) {
	snap := t.window.Snapshot()
	now := time.Now()
	t.log.Printf("epoch=%d batch=%d step=%d examples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.5f elapsed=%s remaining=%s",
		t.epoch,
		batchIdx,
		t.step,
		snap.ExamplesPerSec,
		snap.AvgDataMS,
		snap.AvgComputeMS,
		snap.LastLoss,
		metrics.FormatHMS(t.progress.Elapsed(now)),
		metrics.FormatHMS(t.progress.Remaining(t.step, now)),
	)
}

// logEvents writes scalars and images for mode. Sink failures are logged
// and do not stop training.
func (t *Trainer) logEvents(mode string, b *frames.Bundle, out *frames.Outputs, losses *loss.Losses) {
	scalars := losses.Scalars()
	if b.DepthGT != nil && out.Depth[0] != nil {
		if errs, ok := metrics.EvaluateDepth(out.Depth[0], b.DepthGT); ok {
			for i, v := range errs.Values() {
				scalars[metrics.DepthMetricNames[i]] = v
			}
		}
	}
	tags := make([]string, 0, len(scalars))
	for tag := range scalars {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		if err := t.deps.Sink.Scalar(mode, tag, t.step, scalars[tag]); err != nil {
			t.log.Printf("warning: mode=%s scalar %s: %v", mode, tag, err)
			return
		}
	}
	if err := t.logImages(mode, b, out); err != nil {
		t.log.Printf("warning: mode=%s images: %v", mode, err)
	}
}

func (t *Trainer) logImages(mode string, b *frames.Bundle, out *frames.Outputs) error {
	emit := func(tag string, img image.Image, err error) error {
		if err != nil {
			return fmt.Errorf("%s: %w", tag, err)
		}
		return t.deps.Sink.Image(mode, tag, t.step, img)
	}
	_, predictive := t.opts.Strategy.Masking.(loss.PredictiveMask)
	_, automask := t.opts.Strategy.Masking.(loss.AutoMask)

	n := min(maxLoggedImages, b.BatchSize())
	for j := 0; j < n; j++ {
		for _, s := range t.opts.Scales {
			for _, f := range t.opts.FrameIDs {
				if c := b.Image(frames.Color, f, s); c != nil {
					img, err := metrics.TensorImage(c, j, -1)
					if err := emit(fmt.Sprintf("color_%s_%d/%d", f, s, j), img, err); err != nil {
						return err
					}
				}
				if s == 0 && f != frames.Target {
					if w := out.Warped[frames.FrameScale{Frame: f, Scale: s}]; w != nil {
						img, err := metrics.TensorImage(w, j, -1)
						if err := emit(fmt.Sprintf("color_pred_%s_%d/%d", f, s, j), img, err); err != nil {
							return err
						}
					}
				}
			}

			if d := out.Disp[s]; d != nil {
				img, err := metrics.NormalizeImage(d, j)
				if err := emit(fmt.Sprintf("disp_%d/%d", s, j), img, err); err != nil {
					return err
				}
			}

			switch {
			case predictive:
				if err := t.logMaskImages(emit, out.PredictiveMask[s], s, j); err != nil {
					return err
				}
			case automask:
				if sel := out.IdentitySelection[s]; sel != nil {
					img, err := metrics.TensorImage(sel, j, 0)
					if err := emit(fmt.Sprintf("automask_%d/%d", s, j), img, err); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (t *Trainer) logMaskImages(emit func(string, image.Image, error) error, mask *tensor.Tensor, s, j int) error {
	if mask == nil {
		return nil
	}
	for i, f := range t.opts.FrameIDs[1:] {
		if i >= mask.Dim(1) {
			break
		}
		img, err := metrics.TensorImage(mask, j, i)
		if err := emit(fmt.Sprintf("predictive_mask_%s_%d/%d", f, s, j), img, err); err != nil {
			return err
		}
	}
	return nil
}
