package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample is one image and its class label, paired by key within a shard.
type Sample struct {
	Key   string
	Image []byte
	Label int
}

var (
	// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
	ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")
	// ErrLabelRange reports a class label outside [0, Classes).
	ErrLabelRange = errors.New("webdataset: label out of range")
)

const defaultPendingCap = 1024

// ShardOptions tunes how a shard is read.
type ShardOptions struct {
	// PendingCap bounds the keys waiting for their other half.
	PendingCap int
	// Classes, when positive, rejects labels outside [0, Classes).
	Classes int
}

// StreamShard streams paired samples from the shard at path. The error channel
// yields at most one error once the sample channel is closed.
func StreamShard(ctx context.Context, path string, opts ShardOptions) (<-chan Sample, <-chan error) {
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		if err := streamShard(ctx, path, opts, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func streamShard(ctx context.Context, path string, opts ShardOptions, out chan<- Sample) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	p := pairer{pending: make(map[string]*partial), classes: opts.Classes}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		sample, ok, err := p.add(filepath.Base(hdr.Name), tr)
		if err != nil {
			return err
		}
		if len(p.pending) > opts.PendingCap {
			return ErrPendingOverflow
		}
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- sample:
		}
	}

	if len(p.pending) > 0 {
		return fmt.Errorf("%d samples incomplete", len(p.pending))
	}
	return nil
}

// pairer joins image and .cls entries that share a key.
type pairer struct {
	pending map[string]*partial
	classes int
}

// add consumes one tar entry and returns the completed sample, if any.
func (p *pairer) add(name string, r io.Reader) (Sample, bool, error) {
	ext := strings.ToLower(filepath.Ext(name))
	key := strings.TrimSuffix(name, filepath.Ext(name))

	switch ext {
	case ".jpg", ".jpeg", ".png":
		data, err := io.ReadAll(r)
		if err != nil {
			return Sample{}, false, fmt.Errorf("read image %s: %w", name, err)
		}
		p.entry(key).image = data
	case ".cls":
		payload, err := io.ReadAll(r)
		if err != nil {
			return Sample{}, false, fmt.Errorf("read label %s: %w", name, err)
		}
		label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
		if err != nil {
			return Sample{}, false, fmt.Errorf("parse label %s: %w", name, err)
		}
		if label < 0 || (p.classes > 0 && label >= p.classes) {
			return Sample{}, false, fmt.Errorf("%w: %s has %d, want [0,%d)", ErrLabelRange, name, label, p.classes)
		}
		p.entry(key).label = &label
	default:
		return Sample{}, false, nil
	}

	part := p.pending[key]
	if !part.ready() {
		return Sample{}, false, nil
	}
	delete(p.pending, key)
	return Sample{Key: key, Image: part.image, Label: *part.label}, true, nil
}

func (p *pairer) entry(key string) *partial {
	part := p.pending[key]
	if part == nil {
		part = &partial{}
		p.pending[key] = part
	}
	return part
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}
