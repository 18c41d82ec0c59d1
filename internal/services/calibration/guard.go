package calibration

import (
	"math"
	"slices"
)

// GuardConfig bounds how many competitive examples may score at or above Threshold.
type GuardConfig struct {
	Disabled  bool
	Threshold float64
	MaxRate   float64
}

// DefaultGuardConfig matches the spurious-regime acceptance gate.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{Threshold: 0.67, MaxRate: 0.05}
}

const capMargin = 1e-3

// SpuriousGuard caps calibrated scores just below the spurious threshold for raw scores under
// Cutoff. Cutoff sits immediately above the (k+1)-th largest competitive raw score with
// k = floor(MaxRate * competitive), so at most k competitive examples can clear the threshold.
type SpuriousGuard struct {
	Cutoff float64 `json:"cutoff"`
	Cap    float64 `json:"cap"`
}

// Apply is a no-op on a nil guard.
func (g *SpuriousGuard) Apply(raw, v float64) float64 {
	if g == nil {
		return v
	}
	if raw < g.Cutoff && v > g.Cap {
		return g.Cap
	}
	return v
}

// FitSpuriousGuard returns nil when disabled or when the labeled set has too few competitive
// examples for the rate to bind.
func FitSpuriousGuard(scores []float64, labels []int, cfg GuardConfig) *SpuriousGuard {
	if cfg.Disabled {
		return nil
	}
	var comp []float64
	for i, l := range labels {
		if l == 0 {
			comp = append(comp, scores[i])
		}
	}
	k := int(math.Floor(cfg.MaxRate * float64(len(comp))))
	if k >= len(comp) {
		return nil
	}
	slices.Sort(comp)
	slices.Reverse(comp)
	return &SpuriousGuard{
		Cutoff: math.Nextafter(comp[k], math.Inf(1)),
		Cap:    cfg.Threshold - capMargin,
	}
}
