package dataset

import (
	"gonum.org/v1/gonum/mat"
)

// NormFunc maps raw [0,1] features to the representation a network is trained on.
type NormFunc func(x *mat.Dense) *mat.Dense

// Apply runs f on x, or returns x unchanged when f is nil.
func (f NormFunc) Apply(x *mat.Dense) *mat.Dense {
	if f == nil {
		return x
	}
	return f(x)
}

var (
	cifar10Mean = [3]float64{0.4914, 0.4822, 0.4465}
	cifar10Std  = [3]float64{0.2470, 0.2435, 0.2616}
)

// Normalizer returns the normalization registered for a dataset, or nil.
// Only cifar10 is normalized.
func Normalizer(name string) NormFunc {
	switch name {
	case "cifar10":
		return NormalizeCIFAR10
	default:
		return nil
	}
}

// NormalizeCIFAR10 standardizes channel-major RGB features with the CIFAR-10
// per-channel mean and standard deviation.
func NormalizeCIFAR10(x *mat.Dense) *mat.Dense {
	_, c := x.Dims()
	plane := c / 3
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 {
		ch := 0
		if plane > 0 {
			ch = min(j/plane, 2)
		}
		return (v - cifar10Mean[ch]) / cifar10Std[ch]
	}, x)
	return &out
}
