// Package optim implements Adam over an explicit set of parameters.
//
// An optimizer only ever reads gradients from and writes values to the
// parameters it was built with, so two optimizers over disjoint groups never
// interfere with each other's scope.
package optim

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"

	"advforge/internal/model"
)

// AdamConfig mirrors the usual Adam hyperparameters.
type AdamConfig struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

func (c AdamConfig) withDefaults() AdamConfig {
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-8
	}
	return c
}

// Adam is the bias-corrected Adam optimizer.
type Adam struct {
	cfg    AdamConfig
	params []*model.Param
	m      [][]float64
	v      [][]float64
	step   int
}

// NewAdam builds an optimizer over params.
func NewAdam(params []*model.Param, cfg AdamConfig) (*Adam, error) {
	if len(params) == 0 {
		return nil, errors.New("optim: no parameters")
	}
	if cfg.LR <= 0 {
		return nil, errors.New("optim: learning rate must be > 0")
	}
	seen := make(map[*model.Param]bool, len(params))
	a := &Adam{cfg: cfg.withDefaults()}
	for _, p := range params {
		if seen[p] {
			return nil, errors.New("optim: duplicate parameter " + p.Name)
		}
		seen[p] = true
		a.params = append(a.params, p)
		a.m = append(a.m, make([]float64, len(p.Value)))
		a.v = append(a.v, make([]float64, len(p.Value)))
	}
	return a, nil
}

// Params returns the parameters this optimizer updates.
func (a *Adam) Params() []*model.Param {
	return append([]*model.Param(nil), a.params...)
}

// LR returns the learning rate.
func (a *Adam) LR() float64 {
	return a.cfg.LR
}

// ZeroGrad clears the gradients of every owned parameter.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Step applies one update from the accumulated gradients.
func (a *Adam) Step() {
	a.step++
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	corr1 := 1 - math.Pow(b1, float64(a.step))
	corr2 := 1 - math.Pow(b2, float64(a.step))
	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		floats.Scale(b1, m)
		floats.AddScaled(m, 1-b1, p.Grad)
		floats.Scale(b2, v)
		for j, g := range p.Grad {
			v[j] += (1 - b2) * g * g
		}
		for j := range p.Value {
			mHat := m[j] / corr1
			vHat := v[j] / corr2
			p.Value[j] -= a.cfg.LR * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
		}
	}
}
