// Package metrics evaluates classifiers and tracks per-epoch training history.
package metrics

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"advforge/internal/dataset"
	"advforge/internal/model"
)

// Classifier produces logits for a batch.
type Classifier interface {
	Forward(x *mat.Dense, mode model.Mode) (*model.Pass, error)
}

// Accuracy returns the fraction of samples in src whose highest logit matches
// the label. Inputs go through norm first and noise is not sampled.
func Accuracy(c Classifier, src dataset.Source, norm dataset.NormFunc) (float64, error) {
	correct, total := 0, 0
	for i := 0; i < src.Len(); i++ {
		b := src.Batch(i)
		pass, err := c.Forward(norm.Apply(b.Inputs), model.ModeEval)
		if err != nil {
			return 0, fmt.Errorf("accuracy batch %d: %w", i, err)
		}
		for r, label := range b.Labels {
			if floats.MaxIdx(pass.Logits.RawRowView(r)) == label {
				correct++
			}
		}
		total += b.Size()
	}
	if total == 0 {
		return 0, fmt.Errorf("accuracy: %w", dataset.ErrEmpty)
	}
	return float64(correct) / float64(total), nil
}
