package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"depthforge/internal/checkpoint"
	"depthforge/internal/config"
	"depthforge/internal/dataset"
	"depthforge/internal/metrics"
	"depthforge/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/kitti.yaml", "Path to YAML config")
	trainRoots := flag.String("train-roots", "", "Comma separated training roots")
	valRoots := flag.String("val-roots", "", "Comma separated validation roots")
	logDir := flag.String("log-dir", "", "Folder holding runs")
	modelName := flag.String("model-name", "", "Run folder name under log-dir")
	numEpochs := flag.Int("num-epochs", 0, "Number of epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of data loader workers")
	learningRate := flag.Float64("learning-rate", 0, "Adam learning rate")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logFrequency := flag.Int("log-frequency", 0, "Log every N batches early in training")
	loadWeights := flag.String("load-weights-folder", "", "Weights folder to resume from")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		TrainRoots:        config.SplitList(*trainRoots),
		ValRoots:          config.SplitList(*valRoots),
		LogDir:            *logDir,
		ModelName:         *modelName,
		NumEpochs:         *numEpochs,
		BatchSize:         *batchSize,
		NumWorkers:        *numWorkers,
		LearningRate:      *learningRate,
		Seed:              *seed,
		LogFrequency:      *logFrequency,
		LoadWeightsFolder: *loadWeights,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("training interrupted")
			return
		}
		log.Fatalf("training failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	train, err := newLoader(cfg, cfg.TrainRoots, cfg.Seed)
	if err != nil {
		return err
	}
	// Validation gets its own seed so both streams do not share an order.
	val, err := newLoader(cfg, cfg.ValRoots, cfg.Seed+1)
	if err != nil {
		return err
	}
	log.Printf("train_samples=%d val_samples=%d", train.Samples(), val.Samples())

	store := checkpoint.NewStore(cfg.LogDir, cfg.ModelName)
	runID, err := store.SaveOptions(cfg)
	if err != nil {
		return err
	}
	sink, err := metrics.OpenSQLiteSink(filepath.Join(cfg.LogDir, cfg.ModelName, "events.db"), runID)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Printf("close event sink: %v", err)
		}
	}()
	log.Printf("run=%s models=%s", runID, store.Root)

	opts := cfg.TrainerOptions()
	t, err := trainer.New(opts, trainer.Deps{
		Logger: log.Default(),
		Train:  train,
		Val:    val,
		Models: trainer.NewReferenceModels(opts),
		Sink:   sink,
		Store:  store,
	})
	if err != nil {
		return err
	}
	return t.Train(ctx)
}

func newLoader(cfg *config.Config, roots []string, seed int64) (*dataset.Loader, error) {
	shards, err := dataset.DiscoverByRoot(roots)
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		log.Printf("root=%s shards=%d", root, len(shards[root]))
	}
	return dataset.NewLoader(cfg.LoaderOptions(shards, seed))
}
