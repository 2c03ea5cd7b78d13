// Package loss holds the objective pieces shared by both adversarial trainers.
package loss

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrLabels reports labels that do not fit the logits.
var ErrLabels = errors.New("loss: labels do not match logits")

// CrossEntropy returns the mean softmax cross-entropy of logits against labels
// and its gradient w.r.t. the logits.
func CrossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	r, c := logits.Dims()
	if r != len(labels) {
		return 0, nil, fmt.Errorf("%w: %d rows, %d labels", ErrLabels, r, len(labels))
	}
	grad := mat.NewDense(r, c, nil)
	inv := 1 / float64(r)
	total := 0.0
	for i, label := range labels {
		if label < 0 || label >= c {
			return 0, nil, fmt.Errorf("%w: label %d outside [0,%d)", ErrLabels, label, c)
		}
		probs := softmax(logits.RawRowView(i))
		total += -math.Log(math.Max(probs[label], 1e-300))
		probs[label] -= 1
		floats.Scale(inv, probs)
		grad.SetRow(i, probs)
	}
	return total * inv, grad, nil
}

func softmax(logits []float64) []float64 {
	maxLogit := floats.Max(logits)
	sum := 0.0
	out := make([]float64, len(logits))
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		out[i] = exp
		sum += exp
	}
	floats.Scale(1/sum, out)
	return out
}

// EntropyThreshold is the entropy floor derived from var_threshold:
// ln(v) + (1 + ln 2π)/2.
func EntropyThreshold(varThreshold float64) float64 {
	return math.Log(varThreshold) + (1+math.Log(2*math.Pi))/2
}

// Gaussian is a per-element Normal distribution such as the injected noise.
type Gaussian interface {
	Entropy() *mat.Dense
	Scale() *mat.Dense
}

// EntropyPenalty returns mean(relu(threshold - H)) over every element of dist
// and its gradient w.r.t. the distribution scale. Elements at or above the
// threshold contribute nothing.
func EntropyPenalty(dist Gaussian, threshold float64) (float64, *mat.Dense) {
	entropy := dist.Entropy()
	sigma := dist.Scale()
	r, c := entropy.Dims()
	n := float64(r * c)
	grad := mat.NewDense(r, c, nil)
	total := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			gap := threshold - entropy.At(i, j)
			if gap <= 0 {
				continue
			}
			total += gap
			// dH/dσ = 1/σ for a Normal.
			grad.Set(i, j, -1/(sigma.At(i, j)*n))
		}
	}
	return total / n, grad
}

// Terms are the scalar parts of the adversarial objective.
type Terms struct {
	Clean   float64
	Adv     float64
	Penalty float64
}

// Weights are the partial derivatives of Combine w.r.t. each input.
type Weights struct {
	Clean   float64
	Adv     float64
	Penalty float64
	Reg     float64
}

// Combine returns w*adv + (1-w)*clean + reg*penalty together with its partial
// derivatives.
func Combine(t Terms, w, reg float64) (float64, Weights) {
	total := w*t.Adv + (1-w)*t.Clean + reg*t.Penalty
	return total, Weights{
		Clean:   1 - w,
		Adv:     w,
		Penalty: reg,
		Reg:     t.Penalty,
	}
}
