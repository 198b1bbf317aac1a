package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"depthforge/internal/dataset"
	"depthforge/internal/frames"
	"depthforge/internal/loss"
	"depthforge/internal/trainer"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainRoots []string `yaml:"train_roots" json:"train_roots"`
	ValRoots   []string `yaml:"val_roots" json:"val_roots"`
	LogDir     string   `yaml:"log_dir" json:"log_dir"`
	ModelName  string   `yaml:"model_name" json:"model_name"`

	Height    int     `yaml:"height" json:"height"`
	Width     int     `yaml:"width" json:"width"`
	Scales    []int   `yaml:"scales" json:"scales"`
	MinDepth  float64 `yaml:"min_depth" json:"min_depth"`
	MaxDepth  float64 `yaml:"max_depth" json:"max_depth"`
	UseStereo bool    `yaml:"use_stereo" json:"use_stereo"`
	FrameIDs  []int   `yaml:"frame_ids" json:"frame_ids"`

	BatchSize            int     `yaml:"batch_size" json:"batch_size"`
	LearningRate         float64 `yaml:"learning_rate" json:"learning_rate"`
	NumEpochs            int     `yaml:"num_epochs" json:"num_epochs"`
	SchedulerStepSize    int     `yaml:"scheduler_step_size" json:"scheduler_step_size"`
	DisparitySmoothness  float64 `yaml:"disparity_smoothness" json:"disparity_smoothness"`
	V1Multiscale         bool    `yaml:"v1_multiscale" json:"v1_multiscale"`
	AvgReprojection      bool    `yaml:"avg_reprojection" json:"avg_reprojection"`
	DisableAutomasking   bool    `yaml:"disable_automasking" json:"disable_automasking"`
	AutomaskNoise        float64 `yaml:"automask_noise" json:"automask_noise"`
	PredictiveMask       bool    `yaml:"predictive_mask" json:"predictive_mask"`
	PredictiveMaskWeight float64 `yaml:"predictive_mask_weight" json:"predictive_mask_weight"`
	NoSSIM               bool    `yaml:"no_ssim" json:"no_ssim"`
	PoseModelInput       string  `yaml:"pose_model_input" json:"pose_model_input"`

	AttentionMaskLoss  bool    `yaml:"attention_mask_loss" json:"attention_mask_loss"`
	AttentionThreshold float64 `yaml:"attention_threshold" json:"attention_threshold"`
	EdgeLoss           bool    `yaml:"edge_loss" json:"edge_loss"`
	EdgeWeight         float64 `yaml:"edge_weight" json:"edge_weight"`
	AttentionSum       float64 `yaml:"attention_sum" json:"attention_sum"`

	NumWorkers    int   `yaml:"num_workers" json:"num_workers"`
	ShuffleBuffer int   `yaml:"shuffle_buffer" json:"shuffle_buffer"`
	Seed          int64 `yaml:"seed" json:"seed"`

	LoadWeightsFolder string   `yaml:"load_weights_folder" json:"load_weights_folder"`
	ModelsToLoad      []string `yaml:"models_to_load" json:"models_to_load"`
	LogFrequency      int      `yaml:"log_frequency" json:"log_frequency"`
	SaveFrequency     int      `yaml:"save_frequency" json:"save_frequency"`
	Device            string   `yaml:"device" json:"device"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainRoots        []string
	ValRoots          []string
	LogDir            string
	ModelName         string
	NumEpochs         int
	BatchSize         int
	NumWorkers        int
	LearningRate      float64
	Seed              int64
	LogFrequency      int
	LoadWeightsFolder string
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	edge := loss.DefaultEdgeAlignment()
	return &Config{
		LogDir:               "monodepth_models",
		ModelName:            "mdp",
		Height:               192,
		Width:                640,
		Scales:               []int{0, 1, 2, 3},
		MinDepth:             0.1,
		MaxDepth:             100,
		FrameIDs:             []int{0, -1, 1},
		BatchSize:            1,
		LearningRate:         1e-4,
		NumEpochs:            20,
		SchedulerStepSize:    15,
		DisparitySmoothness:  1e-3,
		AutomaskNoise:        loss.DefaultTieBreakNoise,
		PredictiveMaskWeight: 0.2,
		PoseModelInput:       trainer.PoseInputPairs,
		AttentionThreshold:   loss.DefaultAttentionReweight().Threshold,
		EdgeWeight:           edge.Weight,
		AttentionSum:         edge.MaxArea,
		NumWorkers:           1,
		ShuffleBuffer:        256,
		Seed:                 4,
		ModelsToLoad:         []string{trainer.ComponentDepth, trainer.ComponentPose},
		LogFrequency:         250,
		SaveFrequency:        1,
		Device:               "cpu",
	}
}

// Load reads a Config from YAML on top of Default. Callers validate after
// applying overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r on top of Default. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = o.TrainRoots
	}
	if len(o.ValRoots) > 0 {
		c.ValRoots = o.ValRoots
	}
	if o.LogDir != "" {
		c.LogDir = o.LogDir
	}
	if o.ModelName != "" {
		c.ModelName = o.ModelName
	}
	if o.NumEpochs > 0 {
		c.NumEpochs = o.NumEpochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogFrequency > 0 {
		c.LogFrequency = o.LogFrequency
	}
	if o.LoadWeightsFolder != "" {
		c.LoadWeightsFolder = o.LoadWeightsFolder
	}
}

// SplitList turns a comma separated flag value into its non-empty items.
func SplitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.TrainRoots) == 0 {
		return errors.New("at least one training root must be set")
	}
	if len(c.ValRoots) == 0 {
		return errors.New("at least one validation root must be set")
	}
	if c.ModelName == "" || c.LogDir == "" {
		return errors.New("log_dir and model_name must be set")
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.PredictiveMask && !c.DisableAutomasking {
		return errors.New("predictive_mask requires disable_automasking")
	}
	for _, id := range c.FrameIDs {
		if frames.FrameID(id).IsStereo() {
			return fmt.Errorf("frame id %d is reserved, set use_stereo instead", id)
		}
	}
	if c.ShuffleBuffer < 0 {
		return fmt.Errorf("shuffle_buffer must be >= 0 (got %d)", c.ShuffleBuffer)
	}
	return c.TrainerOptions().Validate()
}

// FrameIDList returns the frames of a run, the stereo frame last.
func (c *Config) FrameIDList() []frames.FrameID {
	ids := make([]frames.FrameID, 0, len(c.FrameIDs)+1)
	for _, id := range c.FrameIDs {
		ids = append(ids, frames.FrameID(id))
	}
	if c.UseStereo {
		ids = append(ids, frames.Stereo)
	}
	return ids
}

// Strategy returns the loss variant selected by the flags.
func (c *Config) Strategy() loss.Strategy {
	s := loss.Strategy{
		Masking:         loss.AutoMask{TieBreakNoise: c.AutomaskNoise},
		AvgReprojection: c.AvgReprojection,
		NoSSIM:          c.NoSSIM,
	}
	switch {
	case c.PredictiveMask:
		s.Masking = loss.PredictiveMask{Weight: c.PredictiveMaskWeight}
	case c.DisableAutomasking:
		s.Masking = loss.NoMasking{}
	}
	if c.AttentionMaskLoss {
		s.Reweight = &loss.AttentionReweight{Threshold: c.AttentionThreshold}
	}
	if c.EdgeLoss {
		e := loss.DefaultEdgeAlignment()
		e.Threshold = c.AttentionThreshold
		e.Weight = c.EdgeWeight
		e.MaxArea = c.AttentionSum
		s.Edge = e
	}
	return s
}

// TrainerOptions converts c into trainer options.
func (c *Config) TrainerOptions() trainer.Options {
	return trainer.Options{
		ModelName:         c.ModelName,
		Height:            c.Height,
		Width:             c.Width,
		Scales:            append([]int(nil), c.Scales...),
		FrameIDs:          c.FrameIDList(),
		MinDepth:          c.MinDepth,
		MaxDepth:          c.MaxDepth,
		BatchSize:         c.BatchSize,
		LearningRate:      c.LearningRate,
		NumEpochs:         c.NumEpochs,
		SchedulerStepSize: c.SchedulerStepSize,
		SchedulerGamma:    0.1,
		Smoothness:        c.DisparitySmoothness,
		V1Multiscale:      c.V1Multiscale,
		PoseInput:         c.PoseModelInput,
		Strategy:          c.Strategy(),
		LogFrequency:      c.LogFrequency,
		SaveFrequency:     c.SaveFrequency,
		LoadWeightsFolder: c.LoadWeightsFolder,
		ModelsToLoad:      append([]string(nil), c.ModelsToLoad...),
		Device:            c.Device,
		Seed:              c.Seed,
	}
}

// Decoder returns the sample decoder for this run. Depth is always decoded
// so validation can report depth metrics when ground truth is shipped.
func (c *Config) Decoder() *dataset.Decoder {
	return &dataset.Decoder{
		Height:        c.Height,
		Width:         c.Width,
		Scales:        append([]int(nil), c.Scales...),
		FrameIDs:      c.FrameIDList(),
		LoadDepth:     true,
		LoadAttention: c.Strategy().NeedsAttention(),
	}
}

// LoaderOptions returns shuffled, drop-last loader settings over roots.
func (c *Config) LoaderOptions(roots map[string][]string, seed int64) dataset.LoaderOptions {
	return dataset.LoaderOptions{
		Roots:         roots,
		Decoder:       c.Decoder(),
		BatchSize:     c.BatchSize,
		NumWorkers:    c.NumWorkers,
		Shuffle:       true,
		Seed:          seed,
		ShuffleBuffer: c.ShuffleBuffer,
		DropLast:      true,
	}
}
