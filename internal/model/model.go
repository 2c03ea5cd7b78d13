package model

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrShape reports an input or state whose dimensions do not match the network.
var ErrShape = errors.New("model: shape mismatch")

// Batch represents a minibatch of features and labels.
type Batch struct {
	Inputs *mat.Dense
	Labels []int
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Labels)
}

// Mode selects how a forward pass treats the injected noise.
type Mode int

const (
	// ModeEval uses the noise mean and draws no samples.
	ModeEval Mode = iota
	// ModeTrain samples the injected noise.
	ModeTrain
)

func (m Mode) String() string {
	switch m {
	case ModeEval:
		return "eval"
	case ModeTrain:
		return "train"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Group names a partition of the trainable parameters.
type Group string

const (
	GroupGenerator  Group = "gen"
	GroupNoiseMu    Group = "noise.fc_mu"
	GroupNoiseSigma Group = "noise.fc_sigma"
	GroupNoiseBias  Group = "noise.fc_b"
	GroupPrototype  Group = "proto"
	GroupRegTerm    Group = "reg_term"
)

// AllGroups lists every parameter group in a stable order.
var AllGroups = []Group{
	GroupGenerator,
	GroupNoiseMu,
	GroupNoiseSigma,
	GroupNoiseBias,
	GroupPrototype,
	GroupRegTerm,
}

// Param is a trainable tensor stored row-major together with its gradient.
type Param struct {
	Name  string
	Group Group
	Rows  int
	Cols  int
	Value []float64
	Grad  []float64
}

func newParam(name string, group Group, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Group: group,
		Rows:  rows,
		Cols:  cols,
		Value: make([]float64, rows*cols),
		Grad:  make([]float64, rows*cols),
	}
}

// Matrix returns a view over the parameter values. Writes go through to the parameter.
func (p *Param) Matrix() *mat.Dense {
	return mat.NewDense(p.Rows, p.Cols, p.Value)
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Snapshot copies the current values.
func (p *Param) Snapshot() []float64 {
	return append([]float64(nil), p.Value...)
}
