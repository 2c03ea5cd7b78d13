package attack

import (
	"gonum.org/v1/gonum/mat"
)

// FGSM is the fast gradient sign method: a single step of size epsilon along
// the sign of the loss gradient, clipped to [0,1].
type FGSM struct{}

// Perturb implements Attack.
func (FGSM) Perturb(t Target, x *mat.Dense, y []int, opts ...Option) (*mat.Dense, error) {
	eps := Resolve(opts...).epsilonOr(DefaultEpsilon)
	grad, err := lossGradient(t, x, y)
	if err != nil {
		return nil, err
	}
	adv := mat.DenseCopyOf(x)
	signStep(adv, grad, eps)
	project(adv, x, eps)
	return adv, nil
}

// PGD iterates sign steps of StepSize, projecting back into the epsilon ball
// after each one.
type PGD struct {
	Steps    int
	StepSize float64
}

// Perturb implements Attack.
func (p PGD) Perturb(t Target, x *mat.Dense, y []int, opts ...Option) (*mat.Dense, error) {
	eps := Resolve(opts...).epsilonOr(DefaultEpsilon)
	steps := p.Steps
	if steps <= 0 {
		steps = 7
	}
	size := p.StepSize
	if size <= 0 {
		size = 2.5 * eps / float64(steps)
	}
	adv := mat.DenseCopyOf(x)
	for i := 0; i < steps; i++ {
		grad, err := lossGradient(t, adv, y)
		if err != nil {
			return nil, err
		}
		signStep(adv, grad, size)
		project(adv, x, eps)
	}
	return adv, nil
}
