package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Training modes.
const (
	ModeStandard = "standard"
	ModeMeta     = "meta"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Mode         string     `yaml:"mode"`
	LR           float64    `yaml:"lr"`
	MetaLR       float64    `yaml:"meta_lr"`
	NumEpochs    int        `yaml:"num_epochs"`
	Dataset      string     `yaml:"dataset"`
	Epsilon      Epsilon    `yaml:"epsilon"`
	AdvLossW     float64    `yaml:"adv_loss_w"`
	RegTerm      float64    `yaml:"reg_term"`
	VarThreshold float64    `yaml:"var_threshold"`
	OutputPath   OutputPath `yaml:"output_path"`

	Seed      int64        `yaml:"seed"`
	Device    string       `yaml:"device"`
	BatchSize int          `yaml:"batch_size"`
	Hidden    int          `yaml:"hidden"`
	LogEvery  int          `yaml:"log_every"`
	Data      DataConfig   `yaml:"data"`
	Attack    AttackConfig `yaml:"attack"`
}

// OutputPath holds the artifact directories.
type OutputPath struct {
	Models string `yaml:"models"`
	Stats  string `yaml:"stats"`
}

// DataConfig selects where batches come from. When TrainRoot is empty the run
// uses synthetic Gaussian blobs.
type DataConfig struct {
	TrainRoot string          `yaml:"train_root"`
	ValRoot   string          `yaml:"val_root"`
	TestRoot  string          `yaml:"test_root"`
	Grid      int             `yaml:"grid"`
	Classes   int             `yaml:"classes"`
	Synthetic SyntheticConfig `yaml:"synthetic"`
}

// SyntheticConfig sizes the generated blob dataset.
type SyntheticConfig struct {
	Features    int     `yaml:"features"`
	Samples     int     `yaml:"samples"`
	ValSamples  int     `yaml:"val_samples"`
	TestSamples int     `yaml:"test_samples"`
	Spread      float64 `yaml:"spread"`
}

// AttackConfig picks the attack used to perturb training batches.
type AttackConfig struct {
	Name     string  `yaml:"name"`
	Steps    int     `yaml:"steps"`
	StepSize float64 `yaml:"step_size"`
}

// UsesShards reports whether data is read from tar shards.
func (d DataConfig) UsesShards() bool {
	return d.TrainRoot != ""
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Mode      string
	NumEpochs int
	Seed      int64
	Epsilon   string
	Dataset   string
	BatchSize int
	LogEvery  int
	Models    string
	Stats     string
}

// Defaults returns a config that runs a small synthetic experiment.
func Defaults() *Config {
	return &Config{
		Mode:         ModeStandard,
		LR:           1e-3,
		MetaLR:       1e-3,
		NumEpochs:    10,
		Dataset:      "synthetic",
		AdvLossW:     0.5,
		RegTerm:      0.01,
		VarThreshold: 1.0,
		OutputPath: OutputPath{
			Models: "out/models",
			Stats:  "out/stats",
		},
		Seed:      1,
		Device:    "cpu",
		BatchSize: 64,
		Hidden:    32,
		LogEvery:  50,
		Data: DataConfig{
			Grid:    8,
			Classes: 2,
			Synthetic: SyntheticConfig{
				Features:    16,
				Samples:     512,
				ValSamples:  128,
				TestSamples: 256,
				Spread:      0.15,
			},
		},
		Attack: AttackConfig{Name: "fgsm", Steps: 7},
	}
}

// Load reads a Config from YAML on top of Defaults and validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML on top of Defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) error {
	if o.Mode != "" {
		c.Mode = o.Mode
	}
	if o.NumEpochs > 0 {
		c.NumEpochs = o.NumEpochs
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Epsilon != "" {
		eps, err := ParseEpsilon(o.Epsilon)
		if err != nil {
			return err
		}
		c.Epsilon = eps
	}
	if o.Dataset != "" {
		c.Dataset = o.Dataset
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Models != "" {
		c.OutputPath.Models = o.Models
	}
	if o.Stats != "" {
		c.OutputPath.Stats = o.Stats
	}
	return nil
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.Mode {
	case ModeStandard, ModeMeta:
	default:
		return fmt.Errorf("mode must be %q or %q (got %q)", ModeStandard, ModeMeta, c.Mode)
	}
	if c.NumEpochs < 1 {
		return fmt.Errorf("num_epochs must be >= 1 (got %d)", c.NumEpochs)
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.Mode == ModeMeta && c.MetaLR <= 0 {
		return fmt.Errorf("meta_lr must be > 0 (got %g)", c.MetaLR)
	}
	if c.AdvLossW < 0 || c.AdvLossW > 1 {
		return fmt.Errorf("adv_loss_w must be in [0,1] (got %g)", c.AdvLossW)
	}
	if c.VarThreshold <= 0 {
		return fmt.Errorf("var_threshold must be > 0 (got %g)", c.VarThreshold)
	}
	if c.Epsilon.Kind == EpsilonFixed && c.Epsilon.Value < 0 {
		return fmt.Errorf("epsilon must be >= 0 (got %g)", c.Epsilon.Value)
	}
	if c.OutputPath.Models == "" || c.OutputPath.Stats == "" {
		return errors.New("output_path.models and output_path.stats must be set")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Hidden <= 0 {
		return fmt.Errorf("hidden must be > 0 (got %d)", c.Hidden)
	}
	if c.Data.Classes < 2 {
		return fmt.Errorf("data.classes must be >= 2 (got %d)", c.Data.Classes)
	}
	if c.Data.UsesShards() {
		if c.Data.TestRoot == "" {
			return errors.New("data.test_root must be set with data.train_root")
		}
		if c.Mode == ModeMeta && c.Data.ValRoot == "" {
			return errors.New("data.val_root must be set for meta training on shards")
		}
		if c.Data.Grid <= 0 {
			return fmt.Errorf("data.grid must be > 0 (got %d)", c.Data.Grid)
		}
	} else {
		s := c.Data.Synthetic
		if s.Features <= 0 || s.Samples <= 0 || s.TestSamples <= 0 {
			return errors.New("data.synthetic features, samples and test_samples must be > 0")
		}
		if c.Mode == ModeMeta && s.ValSamples <= 0 {
			return fmt.Errorf("data.synthetic.val_samples must be > 0 for meta training (got %d)", s.ValSamples)
		}
	}
	switch c.Attack.Name {
	case "fgsm", "pgd", "none":
	default:
		return fmt.Errorf("attack.name must be fgsm, pgd or none (got %q)", c.Attack.Name)
	}
	if c.Device != "cpu" {
		return fmt.Errorf("device must be cpu (got %q)", c.Device)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	return nil
}
