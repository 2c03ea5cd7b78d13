package optim

import (
	"math"
	"math/rand/v2"
	"testing"

	"advforge/internal/model"
)

func TestAdamMinimizesQuadratic(t *testing.T) {
	net, err := model.NewNoisyProto(model.Options{Features: 2, Hidden: 2, Classes: 2, RegTerm: 0.1}, rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		t.Fatalf("NewNoisyProto: %v", err)
	}
	params := net.Params(model.GroupNoiseBias)
	opt, err := NewAdam(params, AdamConfig{LR: 0.05})
	if err != nil {
		t.Fatalf("NewAdam: %v", err)
	}
	b := params[0]
	target := []float64{1.5, -0.5}
	for step := 0; step < 500; step++ {
		opt.ZeroGrad()
		for i := range b.Value {
			b.Grad[i] = 2 * (b.Value[i] - target[i])
		}
		opt.Step()
	}
	for i, want := range target {
		if math.Abs(b.Value[i]-want) > 1e-2 {
			t.Fatalf("b[%d]=%f want %f", i, b.Value[i], want)
		}
	}
}

func TestAdamFirstStepSize(t *testing.T) {
	p := &model.Param{Name: "w", Rows: 1, Cols: 2, Value: []float64{0, 0}, Grad: []float64{3, -0.001}}
	opt, err := NewAdam([]*model.Param{p}, AdamConfig{LR: 0.1})
	if err != nil {
		t.Fatalf("NewAdam: %v", err)
	}
	opt.Step()
	if math.Abs(p.Value[0]+0.1) > 1e-6 || math.Abs(p.Value[1]-0.1) > 1e-4 {
		t.Fatalf("first step moved to %v, want ±lr", p.Value)
	}
}

func TestAdamOnlyTouchesOwnParams(t *testing.T) {
	owned := &model.Param{Name: "a", Rows: 1, Cols: 1, Value: []float64{1}, Grad: []float64{1}}
	other := &model.Param{Name: "b", Rows: 1, Cols: 1, Value: []float64{1}, Grad: []float64{1}}
	opt, err := NewAdam([]*model.Param{owned}, AdamConfig{LR: 0.1})
	if err != nil {
		t.Fatalf("NewAdam: %v", err)
	}
	opt.Step()
	opt.ZeroGrad()
	if other.Value[0] != 1 || other.Grad[0] != 1 {
		t.Fatal("optimizer modified a parameter it does not own")
	}
	if owned.Grad[0] != 0 {
		t.Fatal("ZeroGrad left owned gradient")
	}
	if len(opt.Params()) != 1 || opt.LR() != 0.1 {
		t.Fatalf("params=%d lr=%f", len(opt.Params()), opt.LR())
	}
}

func TestNewAdamErrors(t *testing.T) {
	p := &model.Param{Name: "a", Rows: 1, Cols: 1, Value: []float64{1}, Grad: []float64{0}}
	if _, err := NewAdam(nil, AdamConfig{LR: 1}); err == nil {
		t.Fatal("expected error for no params")
	}
	if _, err := NewAdam([]*model.Param{p}, AdamConfig{}); err == nil {
		t.Fatal("expected error for zero lr")
	}
	if _, err := NewAdam([]*model.Param{p, p}, AdamConfig{LR: 1}); err == nil {
		t.Fatal("expected error for duplicate param")
	}
}
