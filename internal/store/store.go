// Package store persists checkpoints as NumPy .npz archives and training
// statistics as .npy arrays.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sbinet/npyio"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"
)

const (
	// Latest is the checkpoint rewritten after every epoch.
	Latest = "ckpt"
	// Best is the checkpoint of the highest test accuracy so far.
	Best = "ckpt_best"
)

// Dir writes model checkpoints under Models and statistics under Stats.
type Dir struct {
	Models string
	Stats  string
}

// Prepare creates both directories.
func (d Dir) Prepare() error {
	for _, dir := range []string{d.Models, d.Stats} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	return nil
}

// CheckpointPath returns the file a named checkpoint is written to.
func (d Dir) CheckpointPath(name string) string {
	return filepath.Join(d.Models, name+".npz")
}

// SaveCheckpoint writes state as Models/<name>.npz.
func (d Dir) SaveCheckpoint(name string, state map[string]*mat.Dense) error {
	return WriteCheckpoint(d.CheckpointPath(name), state)
}

// SaveSeries writes values as Stats/<name>.npy.
func (d Dir) SaveSeries(name string, values []float64) error {
	return writeNPY(filepath.Join(d.Stats, name+".npy"), values)
}

// SaveMatrix writes rows as a two dimensional Stats/<name>.npy.
func (d Dir) SaveMatrix(name string, rows [][]float64) error {
	if len(rows) == 0 {
		return writeNPY(filepath.Join(d.Stats, name+".npy"), []float64{})
	}
	cols := len(rows[0])
	m := mat.NewDense(len(rows), cols, nil)
	for i, row := range rows {
		if len(row) != cols {
			return fmt.Errorf("store: %s row %d has %d values, want %d", name, i, len(row), cols)
		}
		m.SetRow(i, row)
	}
	return writeNPY(filepath.Join(d.Stats, name+".npy"), m)
}

func writeNPY(path string, val any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store: create %s: %w", path, err)
	}
	if err := npyio.Write(f, val); err != nil {
		f.Close()
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	return f.Close()
}

// WriteCheckpoint writes every entry of state into an npz archive at path.
func WriteCheckpoint(path string, state map[string]*mat.Dense) error {
	w, err := npz.Create(path)
	if err != nil {
		return fmt.Errorf("store: create %s: %w", path, err)
	}
	for name, m := range state {
		if err := w.Write(name, m); err != nil {
			w.Close()
			return fmt.Errorf("store: write %s[%s]: %w", path, name, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", path, err)
	}
	return nil
}

// ReadCheckpoint loads an archive written by WriteCheckpoint.
func ReadCheckpoint(path string) (map[string]*mat.Dense, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer r.Close()

	state := make(map[string]*mat.Dense)
	for _, key := range r.Keys() {
		var m mat.Dense
		if err := r.Read(key, &m); err != nil {
			return nil, fmt.Errorf("store: read %s[%s]: %w", path, key, err)
		}
		state[strings.TrimSuffix(key, ".npy")] = &m
	}
	return state, nil
}
