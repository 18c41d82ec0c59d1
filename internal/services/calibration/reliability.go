package calibration

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const eceBins = 10

// Reliability summarises probabilistic quality of calibrated scores.
type Reliability struct {
	N              int     `json:"n"`
	Brier          float64 `json:"brier_score"`
	ECE            float64 `json:"ece"`
	MeanConfidence float64 `json:"mean_confidence"`
	StdConfidence  float64 `json:"std_confidence"`
	MinConfidence  float64 `json:"min_confidence"`
	MaxConfidence  float64 `json:"max_confidence"`
}

// ReliabilityMetrics computes Brier score, ECE over ten equal-width bins and confidence
// summary statistics. Empty or mismatched input yields the zero value.
func ReliabilityMetrics(scores []float64, labels []int) Reliability {
	n := len(scores)
	if n == 0 || n != len(labels) {
		return Reliability{}
	}
	var brier float64
	var cnt [eceBins]float64
	var conf, hits [eceBins]float64
	for i, p := range scores {
		y := float64(labels[i])
		brier += (p - y) * (p - y)
		b := bin(p)
		cnt[b]++
		conf[b] += p
		hits[b] += y
	}
	var ece float64
	for b := range cnt {
		if cnt[b] == 0 {
			continue
		}
		ece += cnt[b] / float64(n) * math.Abs(conf[b]/cnt[b]-hits[b]/cnt[b])
	}
	mean, variance := stat.PopMeanVariance(scores, nil)
	return Reliability{
		N:              n,
		Brier:          brier / float64(n),
		ECE:            ece,
		MeanConfidence: mean,
		StdConfidence:  math.Sqrt(variance),
		MinConfidence:  floats.Min(scores),
		MaxConfidence:  floats.Max(scores),
	}
}

func bin(p float64) int {
	b := int(p * eceBins)
	if b < 0 {
		return 0
	}
	if b >= eceBins {
		return eceBins - 1
	}
	return b
}
