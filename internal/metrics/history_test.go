package metrics

import (
	"testing"

	"gonum.org/v1/gonum/mat"

	"advforge/internal/dataset"
	"advforge/internal/model"
)

func TestHistoryBestIsStrict(t *testing.T) {
	h := NewHistory()
	tests := []struct {
		test     float64
		improved bool
	}{
		{0.5, true},
		{0.5, false},
		{0.4, false},
		{0.7, true},
		{0.0, false},
	}
	prev := h.Best
	for i, tc := range tests {
		if got := h.Record(0, tc.test); got != tc.improved {
			t.Fatalf("epoch %d: improved=%t want %t", i, got, tc.improved)
		}
		if h.Best < prev {
			t.Fatalf("epoch %d: best decreased from %f to %f", i, prev, h.Best)
		}
		prev = h.Best
	}
	if h.Epochs() != len(tests) || h.Best != 0.7 {
		t.Fatalf("epochs=%d best=%f", h.Epochs(), h.Best)
	}
}

type fixedLogits struct{ logits *mat.Dense }

func (f fixedLogits) Forward(x *mat.Dense, _ model.Mode) (*model.Pass, error) {
	r, _ := x.Dims()
	return &model.Pass{Logits: mat.DenseCopyOf(f.logits.Slice(0, r, 0, 2))}, nil
}

func TestAccuracy(t *testing.T) {
	logits := mat.NewDense(4, 2, []float64{
		1, 0,
		0, 1,
		1, 0,
		1, 0,
	})
	src := dataset.FromBatches(model.Batch{
		Inputs: mat.NewDense(4, 1, nil),
		Labels: []int{0, 1, 1, 0},
	})
	acc, err := Accuracy(fixedLogits{logits}, src, nil)
	if err != nil {
		t.Fatalf("Accuracy: %v", err)
	}
	if acc != 0.75 {
		t.Fatalf("accuracy %.3f want 0.75", acc)
	}
}

func TestHistoryStateRoundTrip(t *testing.T) {
	h := NewHistory()
	h.Record(0.2, 0.6)
	h.RecordMeta([]float64{1, 2, 3}, 0.01)
	h.Record(0.3, 0.4)
	h.RecordMeta([]float64{4, 5, 6}, 0.02)

	state := map[string]*mat.Dense{"gen.weight": mat.NewDense(1, 1, []float64{7})}
	for name, m := range h.State() {
		state[name] = m
	}
	got, err := SplitState(state)
	if err != nil {
		t.Fatalf("SplitState: %v", err)
	}
	if len(state) != 1 || state["gen.weight"] == nil {
		t.Fatalf("history entries left in state: %v", len(state))
	}
	if got.Best != 0.6 {
		t.Fatalf("best %f want the highest test accuracy 0.6", got.Best)
	}
	if got.Epochs() != 2 || got.TrainAcc[1] != 0.3 || got.TestAcc[1] != 0.4 {
		t.Fatalf("accuracies %v %v", got.TrainAcc, got.TestAcc)
	}
	if len(got.Bias) != 2 || got.Bias[1][2] != 6 || got.RegTerm[1][0] != 0.02 {
		t.Fatalf("meta snapshots %v %v", got.Bias, got.RegTerm)
	}
	// A resumed epoch below the restored best is not an improvement.
	if got.Record(0.5, 0.5) {
		t.Fatal("0.5 reported as improving on 0.6")
	}
}

func TestSplitStateWithoutHistory(t *testing.T) {
	if _, err := SplitState(map[string]*mat.Dense{"gen.weight": mat.NewDense(1, 1, nil)}); err == nil {
		t.Fatal("expected error for a checkpoint without history")
	}
	if len(NewHistory().State()) != 0 {
		t.Fatal("empty history produced state")
	}
}
