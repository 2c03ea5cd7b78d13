// Package trainer runs adversarial training of a noise-injecting classifier.
//
// Train minimizes w*adv + (1-w)*clean + reg*penalty with a single optimizer
// and a fixed reg. MetaTrain alternates an inner step on a training batch over
// the classifier and noise mean/scale heads with an outer step on a validation
// batch over the noise bias head and the learned reg coefficient.
package trainer

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"

	"advforge/internal/attack"
	"advforge/internal/config"
	"advforge/internal/dataset"
	"advforge/internal/loss"
	"advforge/internal/metrics"
	"advforge/internal/model"
	"advforge/internal/optim"
	"advforge/internal/store"
)

// Network is the model being trained.
type Network interface {
	attack.Target
	Backward(p *model.Pass, dLogits, dSigma *mat.Dense) (*mat.Dense, error)
	AccumulateRegTerm(upstream float64)
	RegTerm() float64
	BiasVector() []float64
	Params(groups ...model.Group) []*model.Param
	State() map[string]*mat.Dense
}

// Recorder persists checkpoints and statistics.
type Recorder interface {
	SaveCheckpoint(name string, state map[string]*mat.Dense) error
	SaveSeries(name string, values []float64) error
	SaveMatrix(name string, rows [][]float64) error
}

// Evaluator computes the accuracy of c over src.
type Evaluator func(c metrics.Classifier, src dataset.Source, norm dataset.NormFunc) (float64, error)

// Deps are the collaborators of a run.
type Deps struct {
	Net    Network
	Train  dataset.Source
	Val    dataset.Source
	Test   dataset.Source
	Attack attack.Attack
	Store  Recorder
	// Accuracy defaults to metrics.Accuracy.
	Accuracy Evaluator
	// Rand drives the random epsilon choice.
	Rand *rand.Rand
	// Log defaults to log.Default().
	Log *log.Logger
	// History continues a resumed run: epochs are numbered after it and the
	// best checkpoint is only replaced by an epoch beating its Best.
	History *metrics.History
}

// RunConfig captures the knobs required by the training loops.
type RunConfig struct {
	LR           float64
	MetaLR       float64
	NumEpochs    int
	Dataset      string
	Epsilon      config.Epsilon
	AdvLossW     float64
	RegTerm      float64
	VarThreshold float64
	LogEvery     int
}

// FromConfig extracts the loop settings from a loaded config.
func FromConfig(c *config.Config) RunConfig {
	return RunConfig{
		LR:           c.LR,
		MetaLR:       c.MetaLR,
		NumEpochs:    c.NumEpochs,
		Dataset:      c.Dataset,
		Epsilon:      c.Epsilon,
		AdvLossW:     c.AdvLossW,
		RegTerm:      c.RegTerm,
		VarThreshold: c.VarThreshold,
		LogEvery:     c.LogEvery,
	}
}

// Artifact names written to the stats directory.
const (
	StatTrainAcc = "train_acc"
	StatTestAcc  = "test_acc"
	StatBias     = "b_hist"
	StatRegTerm  = "reg_term_hist"
)

// randomEpsilons is the set the "rand" epsilon draws from.
var randomEpsilons = [...]float64{8. / 255., 16. / 255., 32. / 255., 64. / 255., 128. / 255.}

// runner holds what both loops derive once per run.
type runner struct {
	deps      Deps
	cfg       RunConfig
	norm      dataset.NormFunc
	threshold float64
	accuracy  Evaluator
	log       *log.Logger
}

func newRunner(deps Deps, cfg RunConfig) (*runner, error) {
	switch {
	case deps.Net == nil:
		return nil, errors.New("trainer: nil network")
	case deps.Train == nil || deps.Train.Len() == 0:
		return nil, fmt.Errorf("trainer: train source: %w", dataset.ErrEmpty)
	case deps.Test == nil || deps.Test.Len() == 0:
		return nil, fmt.Errorf("trainer: test source: %w", dataset.ErrEmpty)
	case deps.Attack == nil:
		return nil, errors.New("trainer: nil attack")
	case deps.Store == nil:
		return nil, errors.New("trainer: nil store")
	case deps.Rand == nil:
		return nil, errors.New("trainer: nil random source")
	}
	if cfg.NumEpochs < 1 {
		return nil, fmt.Errorf("trainer: num_epochs must be >= 1 (got %d)", cfg.NumEpochs)
	}
	if cfg.VarThreshold <= 0 {
		return nil, fmt.Errorf("trainer: var_threshold must be > 0 (got %g)", cfg.VarThreshold)
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	r := &runner{
		deps:      deps,
		cfg:       cfg,
		norm:      dataset.Normalizer(cfg.Dataset),
		threshold: loss.EntropyThreshold(cfg.VarThreshold),
		accuracy:  deps.Accuracy,
		log:       deps.Log,
	}
	if r.accuracy == nil {
		r.accuracy = metrics.Accuracy
	}
	if r.log == nil {
		r.log = log.Default()
	}
	return r, nil
}

// epsilonOptions turns the configured epsilon into attack options.
func epsilonOptions(e config.Epsilon, rng *rand.Rand) []attack.Option {
	switch e.Kind {
	case config.EpsilonFixed:
		return []attack.Option{attack.WithEpsilon(e.Value)}
	case config.EpsilonRandom:
		return []attack.Option{attack.WithEpsilon(randomEpsilons[rng.IntN(len(randomEpsilons))])}
	default:
		return nil
	}
}

type stepResult struct {
	loss       float64
	terms      loss.Terms
	reg        float64
	attackTime time.Duration
	updateTime time.Duration
}

// adversarialStep perturbs b, evaluates the combined objective on the clean
// and perturbed inputs and steps opt. When learnReg is set, reg comes from the
// network and its gradient is accumulated; otherwise reg is cfg.RegTerm.
func (r *runner) adversarialStep(b model.Batch, opt *optim.Adam, learnReg bool) (stepResult, error) {
	net := r.deps.Net
	start := time.Now()
	adv, err := r.deps.Attack.Perturb(net, b.Inputs, b.Labels, epsilonOptions(r.cfg.Epsilon, r.deps.Rand)...)
	if err != nil {
		return stepResult{}, fmt.Errorf("attack: %w", err)
	}
	xr, xc := b.Inputs.Dims()
	if ar, ac := adv.Dims(); ar != xr || ac != xc {
		return stepResult{}, fmt.Errorf("attack returned %dx%d for a %dx%d batch", ar, ac, xr, xc)
	}
	res := stepResult{attackTime: time.Since(start)}

	start = time.Now()
	cleanPass, err := net.Forward(r.norm.Apply(b.Inputs), model.ModeTrain)
	if err != nil {
		return stepResult{}, fmt.Errorf("forward clean: %w", err)
	}
	advPass, err := net.Forward(r.norm.Apply(adv), model.ModeTrain)
	if err != nil {
		return stepResult{}, fmt.Errorf("forward adversarial: %w", err)
	}

	opt.ZeroGrad()

	cleanLoss, dClean, err := loss.CrossEntropy(cleanPass.Logits, b.Labels)
	if err != nil {
		return stepResult{}, fmt.Errorf("clean loss: %w", err)
	}
	advLoss, dAdv, err := loss.CrossEntropy(advPass.Logits, b.Labels)
	if err != nil {
		return stepResult{}, fmt.Errorf("adversarial loss: %w", err)
	}
	// The entropy penalty is taken on the noise of the most recent pass.
	penalty, dSigma := loss.EntropyPenalty(advPass.Noise, r.threshold)

	reg := r.cfg.RegTerm
	if learnReg {
		reg = net.RegTerm()
	}
	res.terms = loss.Terms{Clean: cleanLoss, Adv: advLoss, Penalty: penalty}
	res.reg = reg
	var w loss.Weights
	res.loss, w = loss.Combine(res.terms, r.cfg.AdvLossW, reg)

	dClean.Scale(w.Clean, dClean)
	dAdv.Scale(w.Adv, dAdv)
	dSigma.Scale(w.Penalty, dSigma)
	if _, err := net.Backward(cleanPass, dClean, nil); err != nil {
		return stepResult{}, fmt.Errorf("backward clean: %w", err)
	}
	if _, err := net.Backward(advPass, dAdv, dSigma); err != nil {
		return stepResult{}, fmt.Errorf("backward adversarial: %w", err)
	}
	if learnReg {
		net.AccumulateRegTerm(w.Reg)
	}
	opt.Step()
	res.updateTime = time.Since(start)
	return res, nil
}

// endEpoch evaluates, checkpoints and logs one finished epoch.
func (r *runner) endEpoch(epoch int, hist *metrics.History, beforeSave func()) error {
	trainAcc, err := r.accuracy(r.deps.Net, r.deps.Train, r.norm)
	if err != nil {
		return fmt.Errorf("epoch %d train accuracy: %w", epoch+1, err)
	}
	testAcc, err := r.accuracy(r.deps.Net, r.deps.Test, r.norm)
	if err != nil {
		return fmt.Errorf("epoch %d test accuracy: %w", epoch+1, err)
	}
	improved := hist.Record(trainAcc, testAcc)
	if beforeSave != nil {
		beforeSave()
	}

	state := r.deps.Net.State()
	for name, m := range hist.State() {
		state[name] = m
	}
	if err := r.deps.Store.SaveCheckpoint(store.Latest, state); err != nil {
		return fmt.Errorf("epoch %d checkpoint: %w", epoch+1, err)
	}
	if improved {
		if err := r.deps.Store.SaveCheckpoint(store.Best, state); err != nil {
			return fmt.Errorf("epoch %d best checkpoint: %w", epoch+1, err)
		}
	}
	r.log.Printf("Epoch %d\t\tTrain acc: %.3f, Test acc: %.3f", epoch+1, trainAcc, testAcc)
	return nil
}

// history returns the history a run starts from and the number of epochs
// already recorded in it.
func (r *runner) history() (*metrics.History, int) {
	if r.deps.History == nil {
		return metrics.NewHistory(), 0
	}
	return r.deps.History, r.deps.History.Epochs()
}

func (r *runner) saveAccuracy(hist *metrics.History) error {
	if err := r.deps.Store.SaveSeries(StatTrainAcc, hist.TrainAcc); err != nil {
		return fmt.Errorf("save %s: %w", StatTrainAcc, err)
	}
	if err := r.deps.Store.SaveSeries(StatTestAcc, hist.TestAcc); err != nil {
		return fmt.Errorf("save %s: %w", StatTestAcc, err)
	}
	return nil
}

func (r *runner) logWindow(epoch, step int, w *metrics.Window, extra string) {
	steps := w.Steps()
	snap := w.Snapshot()
	r.log.Printf("epoch=%d step=%d window=%d samples_per_sec=%.1f attack_ms=%.2f update_ms=%.2f loss=%.4f%s",
		epoch+1,
		step,
		steps,
		snap.SamplesPerSec,
		snap.AvgAttackMS,
		snap.AvgUpdateMS,
		snap.MeanLoss,
		extra,
	)
}
