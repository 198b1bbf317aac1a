package metrics

import (
	"fmt"
	"time"
)

// Window accumulates timing stats across multiple steps.
type Window struct {
	examples int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.examples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	if w.compute > 0 {
		snap.ExamplesPerSec = float64(w.examples) / w.compute.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	snap.LastLoss = w.lastLoss

	w.examples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	return snap
}

// Snapshot represents loggable metrics. ExamplesPerSec counts compute time
// only, so it reflects the forward, backward and update cost of a step.
type Snapshot struct {
	Steps          int
	ExamplesPerSec float64
	AvgDataMS      float64
	AvgComputeMS   float64
	LastLoss       float64
}

// Progress estimates remaining wall time from the completed step count.
type Progress struct {
	Start      time.Time
	TotalSteps int
}

// Elapsed returns the time since Start as of now.
func (p Progress) Elapsed(now time.Time) time.Duration {
	return now.Sub(p.Start)
}

// Remaining returns (total/step - 1) * elapsed, or zero before the first step.
func (p Progress) Remaining(step int, now time.Time) time.Duration {
	if step <= 0 {
		return 0
	}
	elapsed := p.Elapsed(now)
	left := (float64(p.TotalSteps)/float64(step) - 1) * float64(elapsed)
	if left < 0 {
		return 0
	}
	return time.Duration(left)
}

// FormatHMS renders d as 00h00m00s.
func FormatHMS(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%02dh%02dm%02ds", s/3600, (s/60)%60, s%60)
}
