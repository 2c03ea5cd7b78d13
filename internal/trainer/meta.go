package trainer

import (
	"context"
	"fmt"

	"advforge/internal/dataset"
	"advforge/internal/metrics"
	"advforge/internal/model"
	"advforge/internal/optim"
)

// Parameter groups of the two meta-training optimizers. They must not overlap.
var (
	InnerGroups = []model.Group{model.GroupGenerator, model.GroupNoiseMu, model.GroupNoiseSigma, model.GroupPrototype}
	OuterGroups = []model.Group{model.GroupNoiseBias, model.GroupRegTerm}
)

// MetaTrain runs bi-level adversarial training. For every training batch an
// inner Adam step (lr cfg.LR) updates InnerGroups, then an outer Adam step
// (lr cfg.MetaLR) on the next validation batch updates OuterGroups. The
// regularization coefficient is read from the network on every step. The
// validation cursor persists across epochs and wraps when exhausted.
func MetaTrain(ctx context.Context, deps Deps, cfg RunConfig) (*metrics.History, error) {
	r, err := newRunner(deps, cfg)
	if err != nil {
		return nil, err
	}
	inner, outer, err := metaOptimizers(deps.Net, cfg)
	if err != nil {
		return nil, err
	}
	val, err := dataset.NewCursor(deps.Val)
	if err != nil {
		return nil, fmt.Errorf("trainer: validation: %w", err)
	}

	hist, start := r.history()
	if len(hist.Bias) != start {
		return nil, fmt.Errorf("trainer: resumed history has %d epochs but %d meta snapshots", start, len(hist.Bias))
	}
	var window metrics.Window
	step := 0
	for epoch := start; epoch < start+r.cfg.NumEpochs; epoch++ {
		for i := 0; i < deps.Train.Len(); i++ {
			if err := ctx.Err(); err != nil {
				return hist, err
			}
			b := deps.Train.Batch(i)
			in, err := r.adversarialStep(b, inner, true)
			if err != nil {
				return hist, fmt.Errorf("epoch %d batch %d inner: %w", epoch+1, i, err)
			}
			out, err := r.adversarialStep(val.Next(), outer, true)
			if err != nil {
				return hist, fmt.Errorf("epoch %d batch %d outer: %w", epoch+1, i, err)
			}
			step++
			window.Record(b.Size(), in.attackTime, in.updateTime, in.loss)
			if step%r.cfg.LogEvery == 0 {
				r.logWindow(epoch, step, &window, fmt.Sprintf(" outer_loss=%.4f reg_term=%.5f", out.loss, out.reg))
			}
		}
		err := r.endEpoch(epoch, hist, func() {
			hist.RecordMeta(deps.Net.BiasVector(), deps.Net.RegTerm())
		})
		if err != nil {
			return hist, err
		}
	}

	if err := r.saveAccuracy(hist); err != nil {
		return hist, err
	}
	if err := deps.Store.SaveMatrix(StatBias, hist.Bias); err != nil {
		return hist, fmt.Errorf("save %s: %w", StatBias, err)
	}
	if err := deps.Store.SaveMatrix(StatRegTerm, hist.RegTerm); err != nil {
		return hist, fmt.Errorf("save %s: %w", StatRegTerm, err)
	}
	return hist, nil
}

func metaOptimizers(net Network, cfg RunConfig) (inner, outer *optim.Adam, err error) {
	innerParams := net.Params(InnerGroups...)
	outerParams := net.Params(OuterGroups...)
	owned := make(map[*model.Param]bool, len(innerParams))
	for _, p := range innerParams {
		owned[p] = true
	}
	for _, p := range outerParams {
		if owned[p] {
			return nil, nil, fmt.Errorf("trainer: parameter %s is in both inner and outer scope", p.Name)
		}
	}
	inner, err = optim.NewAdam(innerParams, optim.AdamConfig{LR: cfg.LR})
	if err != nil {
		return nil, nil, fmt.Errorf("trainer: inner optimizer: %w", err)
	}
	outer, err = optim.NewAdam(outerParams, optim.AdamConfig{LR: cfg.MetaLR})
	if err != nil {
		return nil, nil, fmt.Errorf("trainer: outer optimizer: %w", err)
	}
	return inner, outer, nil
}
