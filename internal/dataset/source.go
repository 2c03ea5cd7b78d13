package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"advforge/internal/model"
)

// Source is an indexed, replayable sequence of batches.
type Source interface {
	Len() int
	Batch(i int) model.Batch
}

// Memory is a Source over batches held in memory.
type Memory struct {
	batches []model.Batch
}

// NewMemory splits x and labels into consecutive batches of batchSize rows.
// The last batch may be shorter.
func NewMemory(x *mat.Dense, labels []int, batchSize int) (*Memory, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be > 0 (got %d)", batchSize)
	}
	r, c := x.Dims()
	if r != len(labels) {
		return nil, fmt.Errorf("dataset: %d rows but %d labels", r, len(labels))
	}
	if r == 0 {
		return nil, ErrEmpty
	}
	m := &Memory{}
	for start := 0; start < r; start += batchSize {
		end := min(start+batchSize, r)
		m.batches = append(m.batches, model.Batch{
			Inputs: mat.DenseCopyOf(x.Slice(start, end, 0, c)),
			Labels: append([]int(nil), labels[start:end]...),
		})
	}
	return m, nil
}

// FromBatches wraps prepared batches.
func FromBatches(batches ...model.Batch) *Memory {
	return &Memory{batches: batches}
}

// Len implements Source.
func (m *Memory) Len() int { return len(m.batches) }

// Batch implements Source.
func (m *Memory) Batch(i int) model.Batch { return m.batches[i] }

// Samples returns the total number of rows across batches.
func (m *Memory) Samples() int {
	n := 0
	for _, b := range m.batches {
		n += b.Size()
	}
	return n
}

// Cursor walks a Source forever, restarting from the first batch whenever the
// source is exhausted.
type Cursor struct {
	src   Source
	next  int
	wraps int
}

// NewCursor positions a cursor before the first batch of src.
func NewCursor(src Source) (*Cursor, error) {
	if src == nil || src.Len() == 0 {
		return nil, fmt.Errorf("%w: cursor source has no batches", ErrEmpty)
	}
	return &Cursor{src: src}, nil
}

// Next returns the next batch, wrapping on exhaustion.
func (c *Cursor) Next() model.Batch {
	if c.next >= c.src.Len() {
		c.next = 0
		c.wraps++
	}
	b := c.src.Batch(c.next)
	c.next++
	return b
}

// Wraps reports how many times the cursor restarted.
func (c *Cursor) Wraps() int { return c.wraps }
