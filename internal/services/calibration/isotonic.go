package calibration

import (
	"slices"
	"sort"
)

// IsotonicModel is a non-decreasing step/linear map given by its knots. X is strictly
// increasing; values between knots are interpolated, values outside are clamped.
type IsotonicModel struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

type pavBlock struct {
	sum, w float64
	lo, hi float64
}

func (b pavBlock) mean() float64 { return b.sum / b.w }

// FitIsotonic runs pool-adjacent-violators over (x, y). Equal x values are pooled first.
func FitIsotonic(x, y []float64) *IsotonicModel {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case x[a] < x[b]:
			return -1
		case x[a] > x[b]:
			return 1
		}
		return 0
	})

	stack := make([]pavBlock, 0, len(x))
	for k := 0; k < len(idx); {
		b := pavBlock{lo: x[idx[k]], hi: x[idx[k]]}
		for k < len(idx) && x[idx[k]] == b.lo {
			b.sum += y[idx[k]]
			b.w++
			k++
		}
		stack = append(stack, b)
		for n := len(stack); n > 1 && stack[n-2].mean() >= stack[n-1].mean(); n = len(stack) {
			prev, last := stack[n-2], stack[n-1]
			stack[n-2] = pavBlock{sum: prev.sum + last.sum, w: prev.w + last.w, lo: prev.lo, hi: last.hi}
			stack = stack[:n-1]
		}
	}

	m := &IsotonicModel{}
	for _, b := range stack {
		v := b.mean()
		m.X = append(m.X, b.lo)
		m.Y = append(m.Y, v)
		if b.hi > b.lo {
			m.X = append(m.X, b.hi)
			m.Y = append(m.Y, v)
		}
	}
	return m
}

// Transform implements Mapping. An empty model returns 0.5.
func (m *IsotonicModel) Transform(x float64) float64 {
	n := len(m.X)
	switch {
	case n == 0:
		return 0.5
	case x <= m.X[0]:
		return m.Y[0]
	case x >= m.X[n-1]:
		return m.Y[n-1]
	}
	i := sort.SearchFloat64s(m.X, x)
	if m.X[i] == x {
		return m.Y[i]
	}
	x0, x1 := m.X[i-1], m.X[i]
	y0, y1 := m.Y[i-1], m.Y[i]
	return y0 + (y1-y0)*(x-x0)/(x1-x0)
}
