package model

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"advforge/internal/loss"
)

func newTestNet(t *testing.T, seed uint64) *NoisyProto {
	t.Helper()
	n, err := NewNoisyProto(Options{Features: 3, Hidden: 4, Classes: 3, RegTerm: 0.05}, rand.New(rand.NewPCG(seed, seed)))
	if err != nil {
		t.Fatalf("NewNoisyProto: %v", err)
	}
	return n
}

func testBatch() (*mat.Dense, []int) {
	x := mat.NewDense(4, 3, []float64{
		0.1, 0.9, 0.3,
		0.8, 0.2, 0.5,
		0.4, 0.4, 0.9,
		0.7, 0.1, 0.2,
	})
	return x, []int{0, 1, 2, 1}
}

func fixedNoise(seed uint64) *mat.Dense {
	rng := rand.New(rand.NewPCG(seed, 1))
	eps := mat.NewDense(4, 4, nil)
	for i := range eps.RawMatrix().Data {
		eps.RawMatrix().Data[i] = rng.NormFloat64()
	}
	return eps
}

const (
	testThreshold = 5.0
	testPenaltyW  = 0.3
)

// objective is CE + testPenaltyW*penalty with the noise held at eps.
func objective(t *testing.T, n *NoisyProto, x *mat.Dense, y []int, eps *mat.Dense) (float64, *Pass, *mat.Dense, *mat.Dense) {
	p, err := n.forward(x, ModeTrain, eps)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	ce, dLogits, err := loss.CrossEntropy(p.Logits, y)
	if err != nil {
		t.Fatalf("CrossEntropy: %v", err)
	}
	pen, dSigma := loss.EntropyPenalty(p.Noise, testThreshold)
	dSigma.Scale(testPenaltyW, dSigma)
	return ce + testPenaltyW*pen, p, dLogits, dSigma
}

func flatten(params []*Param) []float64 {
	var out []float64
	for _, p := range params {
		out = append(out, p.Value...)
	}
	return out
}

func assign(params []*Param, flat []float64) {
	off := 0
	for _, p := range params {
		copy(p.Value, flat[off:off+len(p.Value)])
		off += len(p.Value)
	}
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	n := newTestNet(t, 1)
	x, y := testBatch()
	eps := fixedNoise(2)
	params := n.Params()

	_, p, dLogits, dSigma := objective(t, n, x, y, eps)
	for _, prm := range params {
		prm.ZeroGrad()
	}
	if _, err := n.Backward(p, dLogits, dSigma); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	var analytic []float64
	for _, prm := range params {
		analytic = append(analytic, prm.Grad...)
	}

	origin := flatten(params)
	numeric := fd.Gradient(nil, func(v []float64) float64 {
		assign(params, v)
		f, _, _, _ := objective(t, n, x, y, eps)
		return f
	}, origin, &fd.Settings{Formula: fd.Central, Step: 1e-6})
	assign(params, origin)

	for i := range analytic {
		if diff := math.Abs(analytic[i] - numeric[i]); diff > 1e-5*math.Max(1, math.Abs(numeric[i])) {
			t.Fatalf("gradient %d: analytic %.8f numeric %.8f", i, analytic[i], numeric[i])
		}
	}
}

func TestInputGradientMatchesFiniteDifferences(t *testing.T) {
	n := newTestNet(t, 3)
	x, y := testBatch()
	p, err := n.Forward(x, ModeEval)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	_, dLogits, err := loss.CrossEntropy(p.Logits, y)
	if err != nil {
		t.Fatalf("CrossEntropy: %v", err)
	}
	before := n.State()
	dx, err := n.InputGradient(p, dLogits)
	if err != nil {
		t.Fatalf("InputGradient: %v", err)
	}
	for _, prm := range n.Params() {
		for _, g := range prm.Grad {
			if g != 0 {
				t.Fatalf("InputGradient touched gradient of %s", prm.Name)
			}
		}
	}
	numeric := fd.Gradient(nil, func(v []float64) float64 {
		xp, err := n.Forward(mat.NewDense(4, 3, v), ModeEval)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		ce, _, _ := loss.CrossEntropy(xp.Logits, y)
		return ce
	}, mat.DenseCopyOf(x).RawMatrix().Data, &fd.Settings{Formula: fd.Central, Step: 1e-6})
	for i, want := range numeric {
		got := dx.RawMatrix().Data[i]
		if math.Abs(got-want) > 1e-5 {
			t.Fatalf("input gradient %d: analytic %.8f numeric %.8f", i, got, want)
		}
	}
	for name, m := range n.State() {
		if !mat.Equal(m, before[name]) {
			t.Fatalf("InputGradient changed %s", name)
		}
	}
}

func TestRegTermGradient(t *testing.T) {
	n := newTestNet(t, 4)
	if math.Abs(n.RegTerm()-0.05) > 1e-12 {
		t.Fatalf("initial reg term %f want 0.05", n.RegTerm())
	}
	n.AccumulateRegTerm(2)
	raw := n.reg.Value[0]
	const h = 1e-6
	n.reg.Value[0] = raw + h
	up := n.RegTerm()
	n.reg.Value[0] = raw - h
	down := n.RegTerm()
	n.reg.Value[0] = raw
	want := 2 * (up - down) / (2 * h)
	if math.Abs(n.reg.Grad[0]-want) > 1e-6 {
		t.Fatalf("reg grad %f want %f", n.reg.Grad[0], want)
	}
}

func TestModes(t *testing.T) {
	n := newTestNet(t, 5)
	if n.Features() != 3 || n.Classes() != 3 {
		t.Fatalf("features=%d classes=%d", n.Features(), n.Classes())
	}
	x, _ := testBatch()
	e1, _ := n.Forward(x, ModeEval)
	e2, _ := n.Forward(x, ModeEval)
	if !mat.Equal(e1.Logits, e2.Logits) {
		t.Fatal("eval forward is not deterministic")
	}
	tr, err := n.Forward(x, ModeTrain)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if mat.Equal(tr.Logits, e1.Logits) {
		t.Fatal("train forward injected no noise")
	}
	if tr.Mode.String() != "train" || e1.Mode.String() != "eval" {
		t.Fatalf("mode names %s %s", tr.Mode, e1.Mode)
	}
	if _, err := n.Forward(mat.NewDense(2, 5, nil), ModeEval); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestParamsGroups(t *testing.T) {
	n := newTestNet(t, 6)
	total := 0
	for _, g := range AllGroups {
		ps := n.Params(g)
		if len(ps) == 0 {
			t.Fatalf("group %s is empty", g)
		}
		total += len(ps)
	}
	if total != len(n.Params()) {
		t.Fatalf("groups cover %d params, network has %d", total, len(n.Params()))
	}
	if bias := n.BiasVector(); len(bias) != 4 {
		t.Fatalf("bias vector length %d", len(bias))
	}
}

func TestStateLoad(t *testing.T) {
	a := newTestNet(t, 7)
	b := newTestNet(t, 8)
	if err := b.Load(a.State()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	x, _ := testBatch()
	pa, _ := a.Forward(x, ModeEval)
	pb, _ := b.Forward(x, ModeEval)
	if !mat.Equal(pa.Logits, pb.Logits) {
		t.Fatal("loaded network differs")
	}

	state := a.State()
	delete(state, "proto.prototypes")
	if err := b.Load(state); err == nil {
		t.Fatal("expected error for missing entry")
	}
	state = a.State()
	state["gen.weight"] = mat.NewDense(1, 1, nil)
	if err := b.Load(state); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}
