package trainer

import (
	"fmt"

	"depthforge/internal/frames"
	"depthforge/internal/geometry"
	"depthforge/internal/loss"
	"depthforge/internal/network"
	"depthforge/internal/pose"
	"depthforge/internal/tensor"
)

type projectorKey struct {
	batch, scale int
}

type projectors struct {
	back *geometry.Backprojector
	proj *geometry.Projector
}

// ProcessBatch runs the predictors over b, synthesises every source view in
// the target frame and scores the result.
func (t *Trainer) ProcessBatch(b *frames.Bundle) (*frames.Outputs, *loss.Losses, error) {
	img := b.Image(frames.ColorAug, frames.Target, 0)
	if img == nil {
		return nil, nil, fmt.Errorf("trainer: bundle has no color_aug target at scale 0")
	}
	out := frames.NewOutputs()
	for s, d := range t.models.Depth.PredictDisparity(img) {
		out.Disp[s] = d
	}
	if t.models.PredictiveMask != nil {
		for s, m := range t.models.PredictiveMask.PredictDisparity(img) {
			out.PredictiveMask[s] = m
		}
	}
	if t.models.Pose != nil {
		if err := t.predictPoses(b, out); err != nil {
			return nil, nil, err
		}
	}
	if err := t.generateImages(b, out); err != nil {
		return nil, nil, err
	}
	losses, err := t.composer.Compute(b, out)
	if err != nil {
		return nil, nil, err
	}
	return out, losses, nil
}

func (t *Trainer) predictPoses(b *frames.Bundle, out *frames.Outputs) error {
	colorAug := func(f frames.FrameID) (*tensor.Tensor, error) {
		img := b.Image(frames.ColorAug, f, 0)
		if img == nil {
			return nil, fmt.Errorf("trainer: bundle has no color_aug frame %s", f)
		}
		return img, nil
	}
	keep := func(f frames.FrameID, p network.Pose, invert bool) {
		out.AxisAngle[f] = p.AxisAngle
		out.Translation[f] = p.Translation
		out.CamT[f] = pose.Transform(p.AxisAngle, p.Translation, invert)
	}

	temporal := t.opts.TemporalFrames()
	if t.opts.PoseInput == PoseInputAll {
		inputs := make([]*tensor.Tensor, 0, len(temporal))
		for _, f := range temporal {
			img, err := colorAug(f)
			if err != nil {
				return err
			}
			inputs = append(inputs, img)
		}
		poses, err := t.models.Pose.PredictPose(inputs)
		if err != nil {
			return err
		}
		if len(poses) < len(temporal)-1 {
			return fmt.Errorf("trainer: pose model returned %d poses for %d frames", len(poses), len(temporal)-1)
		}
		for i, f := range temporal[1:] {
			keep(f, poses[i], false)
		}
		return nil
	}

	target, err := colorAug(frames.Target)
	if err != nil {
		return err
	}
	for _, f := range temporal[1:] {
		src, err := colorAug(f)
		if err != nil {
			return err
		}
		// Frames are always passed in temporal order.
		inputs := []*tensor.Tensor{target, src}
		if f < 0 {
			inputs = []*tensor.Tensor{src, target}
		}
		poses, err := t.models.Pose.PredictPose(inputs)
		if err != nil {
			return err
		}
		if len(poses) == 0 {
			return fmt.Errorf("trainer: pose model returned no pose for frame %s", f)
		}
		keep(f, poses[0], pose.NeedsInversion(f))
	}
	return nil
}

func (t *Trainer) generateImages(b *frames.Bundle, out *frames.Outputs) error {
	for _, scale := range t.opts.Scales {
		disp := out.Disp[scale]
		if disp == nil {
			return fmt.Errorf("%w: disparity at scale %d", loss.ErrMissingInput, scale)
		}
		source := 0
		if t.opts.V1Multiscale {
			source = scale
		} else {
			disp = tensor.ResizeBilinear(disp, t.opts.Height, t.opts.Width)
		}
		_, depth := geometry.DispToDepth(disp, t.opts.MinDepth, t.opts.MaxDepth)
		out.Depth[scale] = depth

		if source >= len(b.K) || b.K[source] == nil || b.InvK[source] == nil {
			return fmt.Errorf("%w: intrinsics at scale %d", loss.ErrMissingInput, source)
		}
		p := t.projectorsFor(depth.Dim(0), source, depth.Dim(2), depth.Dim(3))
		points := p.back.Backproject(depth, b.InvK[source])
		for _, f := range t.opts.FrameIDs[1:] {
			camT := out.CamT[f]
			if f.IsStereo() {
				camT = b.StereoT
			}
			if camT == nil {
				return fmt.Errorf("%w: transform to frame %s", loss.ErrMissingInput, f)
			}
			src := b.Image(frames.Color, f, source)
			if src == nil {
				return fmt.Errorf("%w: colour frame %s at scale %d", loss.ErrMissingInput, f, source)
			}
			grid := p.proj.Project(points, b.K[source], camT)
			fs := frames.FrameScale{Frame: f, Scale: scale}
			out.Sample[fs] = grid
			out.Warped[fs] = geometry.Warp(src, grid)
		}
	}
	return nil
}

func (t *Trainer) projectorsFor(batch, scale, h, w int) projectors {
	key := projectorKey{batch: batch, scale: scale}
	if p, ok := t.projectors[key]; ok {
		return p
	}
	p := projectors{
		back: geometry.NewBackprojector(batch, h, w),
		proj: geometry.NewProjector(batch, h, w),
	}
	t.projectors[key] = p
	return p
}
