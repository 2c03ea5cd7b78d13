// Package attack produces adversarially perturbed inputs for a network.
package attack

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"advforge/internal/loss"
	"advforge/internal/model"
)

// DefaultEpsilon is used when the caller supplies no strength.
const DefaultEpsilon = 8.0 / 255.0

// Target is the view of a network an attack needs.
type Target interface {
	Forward(x *mat.Dense, mode model.Mode) (*model.Pass, error)
	InputGradient(p *model.Pass, dLogits *mat.Dense) (*mat.Dense, error)
}

// Attack perturbs x so that the target misclassifies it. The result has x's shape.
type Attack interface {
	Perturb(t Target, x *mat.Dense, y []int, opts ...Option) (*mat.Dense, error)
}

// Options carries the optional attack arguments.
type Options struct {
	Epsilon    float64
	HasEpsilon bool
}

// Option sets an optional attack argument.
type Option func(*Options)

// WithEpsilon sets the perturbation strength.
func WithEpsilon(eps float64) Option {
	return func(o *Options) {
		o.Epsilon = eps
		o.HasEpsilon = true
	}
}

// Resolve applies opts over the zero Options.
func Resolve(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o Options) epsilonOr(def float64) float64 {
	if o.HasEpsilon {
		return o.Epsilon
	}
	return def
}

// Func adapts a plain function to Attack.
type Func func(t Target, x *mat.Dense, y []int, o Options) (*mat.Dense, error)

// Perturb calls f.
func (f Func) Perturb(t Target, x *mat.Dense, y []int, opts ...Option) (*mat.Dense, error) {
	return f(t, x, y, Resolve(opts...))
}

// New returns the attack registered under name.
func New(name string, steps int, stepSize float64) (Attack, error) {
	switch name {
	case "", "fgsm":
		return FGSM{}, nil
	case "pgd":
		return PGD{Steps: steps, StepSize: stepSize}, nil
	case "none":
		return Func(func(_ Target, x *mat.Dense, _ []int, _ Options) (*mat.Dense, error) {
			return mat.DenseCopyOf(x), nil
		}), nil
	default:
		return nil, fmt.Errorf("attack: unknown attack %q", name)
	}
}

// lossGradient returns dCE/dx for the target evaluated without noise sampling.
func lossGradient(t Target, x *mat.Dense, y []int) (*mat.Dense, error) {
	pass, err := t.Forward(x, model.ModeEval)
	if err != nil {
		return nil, fmt.Errorf("attack forward: %w", err)
	}
	_, dLogits, err := loss.CrossEntropy(pass.Logits, y)
	if err != nil {
		return nil, fmt.Errorf("attack loss: %w", err)
	}
	grad, err := t.InputGradient(pass, dLogits)
	if err != nil {
		return nil, fmt.Errorf("attack backward: %w", err)
	}
	return grad, nil
}

func signStep(dst, grad *mat.Dense, size float64) {
	dst.Apply(func(i, j int, v float64) float64 {
		g := grad.At(i, j)
		switch {
		case g > 0:
			return v + size
		case g < 0:
			return v - size
		}
		return v
	}, dst)
}

// project clips dst into the eps ball around origin and into [0,1].
func project(dst, origin *mat.Dense, eps float64) {
	dst.Apply(func(i, j int, v float64) float64 {
		o := origin.At(i, j)
		v = math.Min(math.Max(v, o-eps), o+eps)
		return math.Min(math.Max(v, 0), 1)
	}, dst)
}
