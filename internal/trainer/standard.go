package trainer

import (
	"context"
	"fmt"

	"advforge/internal/metrics"
	"advforge/internal/optim"
)

// Train runs standard adversarial training for cfg.NumEpochs epochs with one
// Adam optimizer over every parameter and the fixed cfg.RegTerm coefficient.
// Checkpoints, carrying the history so far, are written after each epoch and
// accuracy histories at the end. A run resumed with deps.History continues its
// epoch numbering and best accuracy.
// The returned history is valid up to the point of any error.
func Train(ctx context.Context, deps Deps, cfg RunConfig) (*metrics.History, error) {
	r, err := newRunner(deps, cfg)
	if err != nil {
		return nil, err
	}
	opt, err := optim.NewAdam(deps.Net.Params(), optim.AdamConfig{LR: cfg.LR})
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}

	hist, start := r.history()
	var window metrics.Window
	step := 0
	for epoch := start; epoch < start+r.cfg.NumEpochs; epoch++ {
		for i := 0; i < deps.Train.Len(); i++ {
			if err := ctx.Err(); err != nil {
				return hist, err
			}
			b := deps.Train.Batch(i)
			res, err := r.adversarialStep(b, opt, false)
			if err != nil {
				return hist, fmt.Errorf("epoch %d batch %d: %w", epoch+1, i, err)
			}
			step++
			window.Record(b.Size(), res.attackTime, res.updateTime, res.loss)
			if step%r.cfg.LogEvery == 0 {
				r.logWindow(epoch, step, &window, fmt.Sprintf(" penalty=%.4f", res.terms.Penalty))
			}
		}
		if err := r.endEpoch(epoch, hist, nil); err != nil {
			return hist, err
		}
	}

	if err := r.saveAccuracy(hist); err != nil {
		return hist, err
	}
	return hist, nil
}
