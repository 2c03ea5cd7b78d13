package metrics

import "time"

// Window accumulates step timing and loss between log lines.
type Window struct {
	samples int
	attack  time.Duration
	update  time.Duration
	steps   int
	lossSum float64
}

// Record adds one optimizer step: the time spent generating adversarial
// inputs, the time spent in forward/backward/step, and the combined loss.
func (w *Window) Record(batchSize int, attackTime, updateTime time.Duration, loss float64) {
	w.samples += batchSize
	w.attack += attackTime
	w.update += updateTime
	w.steps++
	w.lossSum += loss
}

// Steps returns the number of steps recorded since the last snapshot.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.attack + w.update
	if total > 0 {
		snap.SamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgAttackMS = (w.attack.Seconds() * 1000) / float64(w.steps)
		snap.AvgUpdateMS = (w.update.Seconds() * 1000) / float64(w.steps)
		snap.MeanLoss = w.lossSum / float64(w.steps)
	}

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	SamplesPerSec float64
	AvgAttackMS   float64
	AvgUpdateMS   float64
	MeanLoss      float64
}
