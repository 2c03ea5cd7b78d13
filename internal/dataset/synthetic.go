package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Blobs generates Gaussian clusters in [0,1]^features, one center per class.
type Blobs struct {
	centers [][]float64
	spread  float64
}

// NewBlobs draws class centers from rng.
func NewBlobs(classes, features int, spread float64, rng *rand.Rand) (*Blobs, error) {
	if classes <= 0 || features <= 0 {
		return nil, fmt.Errorf("dataset: blobs need classes and features > 0 (got %d, %d)", classes, features)
	}
	if spread <= 0 {
		spread = 0.1
	}
	b := &Blobs{spread: spread, centers: make([][]float64, classes)}
	for k := range b.centers {
		center := make([]float64, features)
		for j := range center {
			center[j] = 0.2 + 0.6*rng.Float64()
		}
		b.centers[k] = center
	}
	return b, nil
}

// Sample draws n points with balanced labels 0,1,...,classes-1,0,...
func (b *Blobs) Sample(n int, rng *rand.Rand) (*mat.Dense, []int) {
	features := len(b.centers[0])
	x := mat.NewDense(n, features, nil)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		label := i % len(b.centers)
		labels[i] = label
		row := x.RawRowView(i)
		for j, c := range b.centers[label] {
			row[j] = math.Min(math.Max(c+b.spread*rng.NormFloat64(), 0), 1)
		}
	}
	return x, labels
}
