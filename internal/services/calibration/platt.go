package calibration

import "math"

// PlattModel is sigmoid(A*x + B). LR records the learning rate it was fitted with.
type PlattModel struct {
	A, B, LR float64
}

// FitPlatt minimises mean log-loss by full-batch gradient descent from a = b = 0.
func FitPlatt(x, y []float64, lr float64, epochs int) *PlattModel {
	var a, b float64
	n := float64(len(x))
	if n == 0 {
		return &PlattModel{LR: lr}
	}
	for e := 0; e < epochs; e++ {
		var ga, gb float64
		for i := range x {
			d := sigmoid(a*x[i]+b) - y[i]
			ga += d * x[i]
			gb += d
		}
		a -= lr * ga / n
		b -= lr * gb / n
	}
	return &PlattModel{A: a, B: b, LR: lr}
}

// Transform implements Mapping.
func (p *PlattModel) Transform(x float64) float64 { return sigmoid(p.A*x + p.B) }

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
