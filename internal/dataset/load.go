package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// ErrEmpty reports a data source with nothing in it.
var ErrEmpty = errors.New("dataset: empty")

// LoadOptions configures loading shards into memory.
type LoadOptions struct {
	Roots      []string
	Grid       int
	Seed       uint64
	PendingCap int
	// Classes, when positive, rejects labels outside [0, Classes).
	Classes int
}

// Load reads every shard under opts.Roots, interleaving roots round robin in a
// seeded order, and decodes each image into Grid×Grid RGB features stored
// channel-major. Any unreadable shard or image aborts the load.
func Load(ctx context.Context, opts LoadOptions) (*mat.Dense, []int, error) {
	if opts.Grid <= 0 {
		return nil, nil, fmt.Errorf("dataset: grid must be > 0 (got %d)", opts.Grid)
	}
	index, err := DiscoverByRoot(opts.Roots)
	if err != nil {
		return nil, nil, err
	}
	if index.Total() == 0 {
		return nil, nil, fmt.Errorf("%w: no shards under %v", ErrEmpty, opts.Roots)
	}

	order := buildRoundRobinOrder(index, rand.New(rand.NewPCG(opts.Seed, opts.Seed)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	width := FeatureSize(opts.Grid)
	var data []float64
	var labels []int
	for _, entry := range order {
		samples, errCh := StreamShard(ctx, entry.path, ShardOptions{PendingCap: opts.PendingCap, Classes: opts.Classes})
		for sample := range samples {
			features, err := ExtractFeatures(sample.Image, opts.Grid)
			if err != nil {
				return nil, nil, fmt.Errorf("decode %s in %s: %w", sample.Key, entry.path, err)
			}
			data = append(data, features...)
			labels = append(labels, sample.Label)
		}
		if err := <-errCh; err != nil {
			return nil, nil, fmt.Errorf("stream %s: %w", entry.path, err)
		}
	}
	if len(labels) == 0 {
		return nil, nil, fmt.Errorf("%w: no samples under %v", ErrEmpty, opts.Roots)
	}
	return mat.NewDense(len(labels), width, data), labels, nil
}

type orderEntry struct {
	root string
	path string
}

// buildRoundRobinOrder shuffles the shards of each root with rng and then
// takes one shard per root in turn until every root is drained.
func buildRoundRobinOrder(index ShardIndex, rng *rand.Rand) []orderEntry {
	rootNames := index.Roots()
	copied := make(ShardIndex, len(index))
	for _, root := range rootNames {
		shards := append([]string(nil), index[root]...)
		rng.Shuffle(len(shards), func(i, j int) {
			shards[i], shards[j] = shards[j], shards[i]
		})
		copied[root] = shards
	}
	var order []orderEntry
	for {
		advanced := false
		for _, root := range rootNames {
			shards := copied[root]
			if len(shards) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: shards[0]})
			copied[root] = shards[1:]
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return order
}

// FeatureSize is the width of a feature row for the given grid.
func FeatureSize(grid int) int {
	return 3 * grid * grid
}

// ExtractFeatures samples an encoded image on a grid×grid lattice and returns
// the R, G and B planes in that order, each scaled to [0,1].
func ExtractFeatures(raw []byte, grid int) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	plane := grid * grid
	features := make([]float64, FeatureSize(grid))
	stepX := float64(width) / float64(grid)
	stepY := float64(height) / float64(grid)
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			idx := gy*grid + gx
			features[idx] = float64(r) / 65535.0
			features[plane+idx] = float64(g) / 65535.0
			features[2*plane+idx] = float64(b) / 65535.0
		}
	}
	return features, nil
}
