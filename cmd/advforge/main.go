package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"advforge/internal/attack"
	"advforge/internal/config"
	"advforge/internal/dataset"
	"advforge/internal/device"
	"advforge/internal/metrics"
	"advforge/internal/model"
	"advforge/internal/store"
	"advforge/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/demo.yaml", "Path to YAML config")
	mode := flag.String("mode", "", "Training mode: standard or meta")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	seed := flag.Int64("seed", 0, "PRNG seed")
	epsilon := flag.String("epsilon", "", "Attack epsilon: a number, rand or default")
	datasetName := flag.String("dataset", "", "Dataset name (cifar10 enables normalization)")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	logEvery := flag.Int("log-every", 0, "Log every N steps")
	models := flag.String("models", "", "Override output_path.models")
	stats := flag.String("stats", "", "Override output_path.stats")
	resume := flag.Bool("resume", false, "Resume from the latest checkpoint")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := cfg.ApplyOverrides(config.Overrides{
		Mode:      *mode,
		NumEpochs: *epochs,
		Seed:      *seed,
		Epsilon:   *epsilon,
		Dataset:   *datasetName,
		BatchSize: *batchSize,
		LogEvery:  *logEvery,
		Models:    *models,
		Stats:     *stats,
	}); err != nil {
		log.Fatalf("invalid override: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	dev, err := device.Resolve(cfg.Device)
	if err != nil {
		log.Fatalf("resolve device: %v", err)
	}
	log.Printf("run=%s mode=%s dataset=%s epsilon=%s device=%s", uuid.NewString(), cfg.Mode, cfg.Dataset, cfg.Epsilon, dev)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)))

	data, err := loadSplits(ctx, cfg, rng)
	if err != nil {
		log.Fatalf("load data: %v", err)
	}
	log.Printf("train_samples=%d val_samples=%d test_samples=%d features=%d",
		splitSamples(data.train), splitSamples(data.val), splitSamples(data.test), data.features)

	net, err := model.NewNoisyProto(model.Options{
		Features: data.features,
		Hidden:   cfg.Hidden,
		Classes:  cfg.Data.Classes,
		RegTerm:  cfg.RegTerm,
	}, rng)
	if err != nil {
		log.Fatalf("build model: %v", err)
	}
	log.Printf("model=noisyproto features=%d hidden=%d classes=%d", net.Features(), cfg.Hidden, net.Classes())

	atk, err := attack.New(cfg.Attack.Name, cfg.Attack.Steps, cfg.Attack.StepSize)
	if err != nil {
		log.Fatalf("build attack: %v", err)
	}

	out := store.Dir{Models: cfg.OutputPath.Models, Stats: cfg.OutputPath.Stats}
	if err := out.Prepare(); err != nil {
		log.Fatalf("prepare output: %v", err)
	}

	var hist *metrics.History
	if *resume {
		path := out.CheckpointPath(store.Latest)
		state, err := store.ReadCheckpoint(path)
		if err != nil {
			log.Fatalf("resume: %v", err)
		}
		if hist, err = metrics.SplitState(state); err != nil {
			log.Fatalf("resume %s: %v", path, err)
		}
		if err := net.Load(state); err != nil {
			log.Fatalf("resume %s: %v", path, err)
		}
		log.Printf("resumed from %s epochs=%d best_test_acc=%.3f", path, hist.Epochs(), hist.Best)
	}

	deps := trainer.Deps{
		Net:     net,
		Train:   data.train,
		Test:    data.test,
		Attack:  atk,
		Store:   out,
		Rand:    rng,
		History: hist,
	}
	if data.val != nil {
		deps.Val = data.val
	}
	runCfg := trainer.FromConfig(cfg)

	switch cfg.Mode {
	case config.ModeMeta:
		_, err = trainer.MetaTrain(ctx, deps, runCfg)
	default:
		_, err = trainer.Train(ctx, deps, runCfg)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("training interrupted: %v", err)
			return
		}
		log.Fatalf("training failed: %v", err)
	}
}

type splits struct {
	train, val, test *dataset.Memory
	features         int
}

func splitSamples(m *dataset.Memory) int {
	if m == nil {
		return 0
	}
	return m.Samples()
}

// loadSplits builds the train, validation and test sources from tar shards or,
// when no train root is configured, from one set of synthetic blobs.
func loadSplits(ctx context.Context, cfg *config.Config, rng *rand.Rand) (splits, error) {
	if !cfg.Data.UsesShards() {
		s := cfg.Data.Synthetic
		blobs, err := dataset.NewBlobs(cfg.Data.Classes, s.Features, s.Spread, rng)
		if err != nil {
			return splits{}, err
		}
		sample := func(n int) (*dataset.Memory, error) {
			x, labels := blobs.Sample(n, rng)
			return dataset.NewMemory(x, labels, cfg.BatchSize)
		}
		out := splits{features: s.Features}
		if out.train, err = sample(s.Samples); err != nil {
			return splits{}, fmt.Errorf("train: %w", err)
		}
		if s.ValSamples > 0 {
			if out.val, err = sample(s.ValSamples); err != nil {
				return splits{}, fmt.Errorf("val: %w", err)
			}
		}
		if out.test, err = sample(s.TestSamples); err != nil {
			return splits{}, fmt.Errorf("test: %w", err)
		}
		return out, nil
	}

	out := splits{features: dataset.FeatureSize(cfg.Data.Grid)}
	load := func(root string) (*dataset.Memory, error) {
		x, labels, err := dataset.Load(ctx, dataset.LoadOptions{
			Roots:   []string{root},
			Grid:    cfg.Data.Grid,
			Seed:    uint64(cfg.Seed),
			Classes: cfg.Data.Classes,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("root=%s samples=%d", root, len(labels))
		return dataset.NewMemory(x, labels, cfg.BatchSize)
	}
	var err error
	if out.train, err = load(cfg.Data.TrainRoot); err != nil {
		return splits{}, fmt.Errorf("train: %w", err)
	}
	if cfg.Data.ValRoot != "" {
		if out.val, err = load(cfg.Data.ValRoot); err != nil {
			return splits{}, fmt.Errorf("val: %w", err)
		}
	}
	if out.test, err = load(cfg.Data.TestRoot); err != nil {
		return splits{}, fmt.Errorf("test: %w", err)
	}
	return out, nil
}
