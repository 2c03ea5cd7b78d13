package metrics

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// History is the per-epoch record of a training run.
type History struct {
	TrainAcc []float64
	TestAcc  []float64
	// Bias and RegTerm are only filled by meta training.
	Bias    [][]float64
	RegTerm [][]float64
	// Best is the highest test accuracy seen, -1 before the first epoch.
	Best float64
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{Best: -1}
}

// Record appends an epoch's accuracies and reports whether test accuracy
// strictly exceeds every previous epoch.
func (h *History) Record(train, test float64) bool {
	h.TrainAcc = append(h.TrainAcc, train)
	h.TestAcc = append(h.TestAcc, test)
	if test > h.Best {
		h.Best = test
		return true
	}
	return false
}

// RecordMeta appends snapshots of the noise bias head and regularization term.
func (h *History) RecordMeta(bias []float64, regTerm float64) {
	h.Bias = append(h.Bias, append([]float64(nil), bias...))
	h.RegTerm = append(h.RegTerm, []float64{regTerm})
}

// Epochs returns the number of recorded epochs.
func (h *History) Epochs() int { return len(h.TestAcc) }

// Checkpoint keys holding the history next to the model parameters.
const (
	historyPrefix = "history."
	keyTrainAcc   = historyPrefix + "train_acc"
	keyTestAcc    = historyPrefix + "test_acc"
	keyBias       = historyPrefix + "b_hist"
	keyRegTerm    = historyPrefix + "reg_term_hist"
)

// State encodes the recorded epochs as matrices for a checkpoint. Accuracies
// are 1×epochs rows; meta snapshots are one row per epoch. An empty history
// has no state.
func (h *History) State() map[string]*mat.Dense {
	state := make(map[string]*mat.Dense, 4)
	if h.Epochs() == 0 {
		return state
	}
	state[keyTrainAcc] = mat.NewDense(1, len(h.TrainAcc), append([]float64(nil), h.TrainAcc...))
	state[keyTestAcc] = mat.NewDense(1, len(h.TestAcc), append([]float64(nil), h.TestAcc...))
	if m := rowsMatrix(h.Bias); m != nil {
		state[keyBias] = m
	}
	if m := rowsMatrix(h.RegTerm); m != nil {
		state[keyRegTerm] = m
	}
	return state
}

// SplitState removes the history entries from a checkpoint state and rebuilds
// the history they describe, with Best set to the highest recorded test
// accuracy. What remains in state is the model.
func SplitState(state map[string]*mat.Dense) (*History, error) {
	h := NewHistory()
	train, okTrain := state[keyTrainAcc]
	test, okTest := state[keyTestAcc]
	if !okTrain || !okTest {
		return nil, fmt.Errorf("metrics: checkpoint has no %s and %s", keyTrainAcc, keyTestAcc)
	}
	h.TrainAcc = mat.Row(nil, 0, train)
	h.TestAcc = mat.Row(nil, 0, test)
	if len(h.TrainAcc) != len(h.TestAcc) {
		return nil, fmt.Errorf("metrics: checkpoint has %d train and %d test accuracies", len(h.TrainAcc), len(h.TestAcc))
	}
	for _, acc := range h.TestAcc {
		if acc > h.Best {
			h.Best = acc
		}
	}
	if m, ok := state[keyBias]; ok {
		h.Bias = matrixRows(m)
	}
	if m, ok := state[keyRegTerm]; ok {
		h.RegTerm = matrixRows(m)
	}
	if len(h.Bias) != len(h.RegTerm) || len(h.Bias) > h.Epochs() {
		return nil, fmt.Errorf("metrics: checkpoint has %d bias and %d reg snapshots for %d epochs", len(h.Bias), len(h.RegTerm), h.Epochs())
	}
	for name := range state {
		if strings.HasPrefix(name, historyPrefix) {
			delete(state, name)
		}
	}
	return h, nil
}

func rowsMatrix(rows [][]float64) *mat.Dense {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil
	}
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, row := range rows {
		m.SetRow(i, row)
	}
	return m
}

func matrixRows(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = mat.Row(nil, i, m)
	}
	return rows
}
