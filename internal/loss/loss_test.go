package loss

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// gaussian is a constant per-element Normal for penalty tests.
type gaussian struct{ sigma *mat.Dense }

func (g gaussian) Scale() *mat.Dense { return g.sigma }

func (g gaussian) Entropy() *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, s float64) float64 {
		return distuv.Normal{Sigma: s}.Entropy()
	}, g.sigma)
	return &out
}

func uniformSigma(v float64) gaussian {
	return gaussian{sigma: mat.NewDense(2, 3, []float64{v, v, v, v, v, v})}
}

func TestEntropyThresholdIsGaussianEntropy(t *testing.T) {
	for _, v := range []float64{0.25, 1, 3} {
		want := distuv.Normal{Sigma: v}.Entropy()
		if got := EntropyThreshold(v); math.Abs(got-want) > 1e-12 {
			t.Fatalf("threshold(%f)=%f want %f", v, got, want)
		}
	}
}

func TestEntropyPenaltyBoundary(t *testing.T) {
	const varThreshold = 0.5
	// Entropy of the boundary distribution itself, so the gap is exactly zero.
	threshold := distuv.Normal{Sigma: varThreshold}.Entropy()

	pen, grad := EntropyPenalty(uniformSigma(varThreshold), threshold)
	if pen != 0 {
		t.Fatalf("penalty at the threshold = %g, want 0", pen)
	}
	if mat.Norm(grad, 2) != 0 {
		t.Fatal("gradient at the threshold should be zero")
	}

	if pen, _ := EntropyPenalty(uniformSigma(2*varThreshold), threshold); pen != 0 {
		t.Fatalf("penalty above the threshold = %g, want 0", pen)
	}

	pen, grad = EntropyPenalty(uniformSigma(varThreshold/2), threshold)
	if pen <= 0 {
		t.Fatalf("penalty below the threshold = %g, want > 0", pen)
	}
	if math.Abs(pen-math.Log(2)) > 1e-12 {
		t.Fatalf("penalty %f want ln 2", pen)
	}
	// d/dσ mean(threshold - ln σ - c) = -1/(σ n)
	want := -1 / (varThreshold / 2 * 6)
	if math.Abs(grad.At(1, 2)-want) > 1e-12 {
		t.Fatalf("gradient %f want %f", grad.At(1, 2), want)
	}
}

func TestCombineEndpoints(t *testing.T) {
	terms := Terms{Clean: 0.7, Adv: 1.9, Penalty: 0.4}
	const reg = 0.25
	if got, _ := Combine(terms, 0, reg); math.Abs(got-(terms.Clean+reg*terms.Penalty)) > 1e-15 {
		t.Fatalf("w=0: got %f", got)
	}
	if got, _ := Combine(terms, 1, reg); math.Abs(got-(terms.Adv+reg*terms.Penalty)) > 1e-15 {
		t.Fatalf("w=1: got %f", got)
	}
	got, w := Combine(terms, 0.5, reg)
	if math.Abs(got-(0.5*1.9+0.5*0.7+0.1)) > 1e-15 {
		t.Fatalf("w=0.5: got %f", got)
	}
	if w.Clean != 0.5 || w.Adv != 0.5 || w.Penalty != reg || w.Reg != terms.Penalty {
		t.Fatalf("unexpected weights %+v", w)
	}
}

func TestCrossEntropy(t *testing.T) {
	logits := mat.NewDense(2, 2, []float64{0, 0, 10, -10})
	ce, grad, err := CrossEntropy(logits, []int{1, 0})
	if err != nil {
		t.Fatalf("CrossEntropy: %v", err)
	}
	want := (math.Log(2) + math.Log1p(math.Exp(-20))) / 2
	if math.Abs(ce-want) > 1e-12 {
		t.Fatalf("loss %f want %f", ce, want)
	}
	if math.Abs(grad.At(0, 1)+0.25) > 1e-12 || math.Abs(grad.At(0, 0)-0.25) > 1e-12 {
		t.Fatalf("gradient row 0 = %v", mat.Formatted(grad))
	}
	if _, _, err := CrossEntropy(logits, []int{0, 2}); !errors.Is(err, ErrLabels) {
		t.Fatalf("expected ErrLabels, got %v", err)
	}
	if _, _, err := CrossEntropy(logits, []int{0}); !errors.Is(err, ErrLabels) {
		t.Fatalf("expected ErrLabels, got %v", err)
	}
}
