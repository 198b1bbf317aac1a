package trainer

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"depthforge/internal/checkpoint"
)

// Save writes every component and the optimiser state for the current epoch.
func (t *Trainer) Save() error {
	store := t.deps.Store
	for _, name := range t.names {
		var meta map[string]string
		if name == ComponentDepth {
			// Needed to rebuild the input pipeline at prediction time.
			meta = map[string]string{
				"height":     strconv.Itoa(t.opts.Height),
				"width":      strconv.Itoa(t.opts.Width),
				"use_stereo": strconv.FormatBool(t.opts.UseStereo()),
			}
		}
		if err := store.SaveWeights(t.epoch, name, t.components[name].Parameters(), meta); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
	}
	if err := store.SaveOptimizer(t.epoch, t.optimizer.State(), t.scheduler.Count()); err != nil {
		return fmt.Errorf("save optimizer: %w", err)
	}
	t.log.Printf("saved epoch=%d dir=%s", t.epoch, store.WeightsDir(t.epoch))
	return nil
}

func (t *Trainer) load(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("load weights: %s is not a folder", dir)
	}
	t.log.Printf("loading weights from %s", dir)
	for _, name := range t.opts.ModelsToLoad {
		c, ok := t.components[name]
		if !ok {
			t.log.Printf("warning: %s is not part of this run, skipping", name)
			continue
		}
		applied, _, err := checkpoint.LoadWeights(dir, name, c.Parameters())
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		t.log.Printf("loaded component=%s tensors=%d of %d", name, applied, len(c.Parameters()))
	}

	state, count, err := checkpoint.LoadOptimizer(dir)
	if errors.Is(err, checkpoint.ErrNoOptimizerState) {
		t.log.Printf("warning: no optimizer state in %s, Adam starts fresh", dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load optimizer: %w", err)
	}
	applied := t.optimizer.LoadState(state)
	t.scheduler.SetCount(count)
	t.log.Printf("loaded optimizer moments=%d scheduler_count=%d", applied, count)
	return nil
}
