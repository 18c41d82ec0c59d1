package calibration

import (
	"errors"
	"fmt"
	"slices"
)

// ErrGatesFailed is wrapped by GateReport.Err.
var ErrGatesFailed = errors.New("calibration: acceptance gates failed")

// GateConfig holds the acceptance thresholds a calibrator must meet before it is published.
type GateConfig struct {
	SpuriousThreshold    float64
	MaxSpuriousRate      float64
	MinCoordinatedMedian float64
	HighThreshold        float64
	MinHighFraction      float64
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		SpuriousThreshold:    0.67,
		MaxSpuriousRate:      0.05,
		MinCoordinatedMedian: 0.7,
		HighThreshold:        0.8,
		MinHighFraction:      0.3,
	}
}

// Gate names used in GateReport.Failures and metrics labels.
const (
	GateSpurious    = "spurious_rate"
	GateMedian      = "coordinated_median"
	GateHighCapture = "coordinated_high_fraction"
)

type GateReport struct {
	SpuriousRate      float64  `json:"spurious_rate"`
	CoordinatedMedian float64  `json:"coordinated_median"`
	HighFraction      float64  `json:"coordinated_high_fraction"`
	Competitive       int      `json:"competitive"`
	Coordinated       int      `json:"coordinated"`
	Passed            bool     `json:"passed"`
	Failures          []string `json:"failures,omitempty"`
}

// Err is nil for a passing report.
func (r GateReport) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrGatesFailed, r.Failures)
}

// CheckAcceptance evaluates calibrated scores against cfg. A class with no examples fails the
// gates that depend on it.
func CheckAcceptance(calibrated []float64, labels []int, cfg GateConfig) GateReport {
	var comp, coord []float64
	for i, l := range labels {
		if i >= len(calibrated) {
			break
		}
		if l == 0 {
			comp = append(comp, calibrated[i])
		} else if l == 1 {
			coord = append(coord, calibrated[i])
		}
	}
	r := GateReport{Competitive: len(comp), Coordinated: len(coord)}

	if len(comp) > 0 {
		r.SpuriousRate = fraction(comp, func(v float64) bool { return v >= cfg.SpuriousThreshold })
	}
	if len(coord) > 0 {
		r.CoordinatedMedian = median(coord)
		r.HighFraction = fraction(coord, func(v float64) bool { return v > cfg.HighThreshold })
	}

	if len(comp) == 0 || r.SpuriousRate > cfg.MaxSpuriousRate {
		r.Failures = append(r.Failures, GateSpurious)
	}
	if len(coord) == 0 || r.CoordinatedMedian < cfg.MinCoordinatedMedian {
		r.Failures = append(r.Failures, GateMedian)
	}
	if len(coord) == 0 || r.HighFraction < cfg.MinHighFraction {
		r.Failures = append(r.Failures, GateHighCapture)
	}
	r.Passed = len(r.Failures) == 0
	return r
}

func fraction(xs []float64, pred func(float64) bool) float64 {
	var k int
	for _, x := range xs {
		if pred(x) {
			k++
		}
	}
	return float64(k) / float64(len(xs))
}

func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
