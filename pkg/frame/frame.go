// Package frame holds the time-indexed price matrix the engine scores.
// Missing observations are NaN.
package frame

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrShape        = errors.New("frame: column lengths differ")
	ErrDuplicate    = errors.New("frame: duplicate column")
	ErrUnknownField = errors.New("frame: unknown column")
)

// Frame is an immutable column store. Every method that changes data returns a new Frame.
type Frame struct {
	index []time.Time
	names []string
	cols  [][]float64
	pos   map[string]int
}

// New builds a frame from named columns. index may be nil when rows carry no timestamps.
func New(index []time.Time, names []string, cols [][]float64) (*Frame, error) {
	if len(names) != len(cols) {
		return nil, fmt.Errorf("%w: %d names for %d columns", ErrShape, len(names), len(cols))
	}
	rows := len(index)
	if len(cols) > 0 && index == nil {
		rows = len(cols[0])
	}
	f := &Frame{
		names: append([]string(nil), names...),
		cols:  make([][]float64, len(cols)),
		pos:   make(map[string]int, len(names)),
	}
	if index != nil {
		f.index = append([]time.Time(nil), index...)
	}
	for i, c := range cols {
		if len(c) != rows {
			return nil, fmt.Errorf("%w: column %q has %d rows, want %d", ErrShape, names[i], len(c), rows)
		}
		if _, dup := f.pos[names[i]]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, names[i])
		}
		f.pos[names[i]] = i
		f.cols[i] = append([]float64(nil), c...)
	}
	return f, nil
}

// MustNew is New for literals in tests and fixtures.
func MustNew(index []time.Time, names []string, cols [][]float64) *Frame {
	f, err := New(index, names, cols)
	if err != nil {
		panic(err)
	}
	return f
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	if f.index != nil {
		return len(f.index)
	}
	if len(f.cols) == 0 {
		return 0
	}
	return len(f.cols[0])
}

// Empty reports whether the frame has no rows or no columns.
func (f *Frame) Empty() bool { return f == nil || f.Len() == 0 || len(f.cols) == 0 }

func (f *Frame) Columns() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.names...)
}

func (f *Frame) Has(name string) bool {
	if f == nil {
		return false
	}
	_, ok := f.pos[name]
	return ok
}

// Index returns a copy of the time index, nil when the frame is positional.
func (f *Frame) Index() []time.Time {
	if f == nil || f.index == nil {
		return nil
	}
	return append([]time.Time(nil), f.index...)
}

// Column returns a copy of the named column.
func (f *Frame) Column(name string) ([]float64, error) {
	i, ok := f.pos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return append([]float64(nil), f.cols[i]...), nil
}

// PriceColumns returns the columns whose name contains "price", case-insensitively.
func (f *Frame) PriceColumns() []string {
	var out []string
	for _, n := range f.names {
		if strings.Contains(strings.ToLower(n), "price") {
			out = append(out, n)
		}
	}
	return out
}

// Select projects the frame onto the given columns, in that order.
func (f *Frame) Select(names ...string) (*Frame, error) {
	cols := make([][]float64, len(names))
	for i, n := range names {
		j, ok := f.pos[n]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, n)
		}
		cols[i] = f.cols[j]
	}
	return New(f.index, names, cols)
}

// Slice returns rows [from, to).
func (f *Frame) Slice(from, to int) *Frame {
	if from < 0 {
		from = 0
	}
	if to > f.Len() {
		to = f.Len()
	}
	if from > to {
		from = to
	}
	out := &Frame{names: f.names, pos: f.pos, cols: make([][]float64, len(f.cols))}
	if f.index != nil {
		out.index = append([]time.Time(nil), f.index[from:to]...)
	}
	for i, c := range f.cols {
		out.cols[i] = append([]float64(nil), c[from:to]...)
	}
	return out
}

// FillForward propagates the last observed value over NaN gaps.
func (f *Frame) FillForward() *Frame {
	out := f.clone()
	for _, c := range out.cols {
		last := math.NaN()
		for t, v := range c {
			if math.IsNaN(v) {
				c[t] = last
				continue
			}
			last = v
		}
	}
	return out
}

// FillBackward propagates the next observed value over NaN gaps.
func (f *Frame) FillBackward() *Frame {
	out := f.clone()
	for _, c := range out.cols {
		next := math.NaN()
		for t := len(c) - 1; t >= 0; t-- {
			if math.IsNaN(c[t]) {
				c[t] = next
				continue
			}
			next = c[t]
		}
	}
	return out
}

// DropEmptyRows removes rows where every column is NaN.
func (f *Frame) DropEmptyRows() *Frame {
	keep := make([]int, 0, f.Len())
	for t := 0; t < f.Len(); t++ {
		for _, c := range f.cols {
			if !math.IsNaN(c[t]) {
				keep = append(keep, t)
				break
			}
		}
	}
	out := &Frame{names: f.names, pos: f.pos, cols: make([][]float64, len(f.cols))}
	if f.index != nil {
		out.index = make([]time.Time, len(keep))
		for i, t := range keep {
			out.index[i] = f.index[t]
		}
	}
	for j, c := range f.cols {
		col := make([]float64, len(keep))
		for i, t := range keep {
			col[i] = c[t]
		}
		out.cols[j] = col
	}
	return out
}

// Completeness is the fraction of non-NaN cells.
func (f *Frame) Completeness() float64 {
	total, ok := 0, 0
	for _, c := range f.cols {
		for _, v := range c {
			total++
			if !math.IsNaN(v) {
				ok++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}

// Diff returns first differences per column, one row shorter than the frame.
func (f *Frame) Diff() [][]float64 {
	out := make([][]float64, len(f.cols))
	for j, c := range f.cols {
		if len(c) < 2 {
			out[j] = nil
			continue
		}
		d := make([]float64, len(c)-1)
		for t := 1; t < len(c); t++ {
			d[t-1] = c[t] - c[t-1]
		}
		out[j] = d
	}
	return out
}

// Matrix returns the data as a rows x columns dense matrix, nil when empty.
func (f *Frame) Matrix() *mat.Dense {
	if f.Empty() {
		return nil
	}
	m := mat.NewDense(f.Len(), len(f.cols), nil)
	for j, c := range f.cols {
		m.SetCol(j, c)
	}
	return m
}

func (f *Frame) clone() *Frame {
	out := &Frame{names: f.names, pos: f.pos, index: f.index, cols: make([][]float64, len(f.cols))}
	for i, c := range f.cols {
		out.cols[i] = append([]float64(nil), c...)
	}
	return out
}
