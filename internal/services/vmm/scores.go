package vmm

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"CoordRisk/pkg/frame"
)

const neutralScore = 0.5

// RegimeConfidence maps residual fit into [0, 1] and adjusts it by the optimizer outcome.
func RegimeConfidence(r MomentResiduals, state UpdateState) float64 {
	var sum float64
	n := 0
	for _, res := range r.arrays() {
		if len(res) == 0 {
			continue
		}
		var ms float64
		for _, v := range res {
			ms += v * v
		}
		ms /= float64(len(res))
		fit := 1 / (1 + ms)
		if !isFinite(fit) {
			fit = 0
		}
		sum += fit
		n++
	}

	base := neutralScore
	if n > 0 {
		base = sum / float64(n)
	}
	if base < 0.5 {
		base *= 0.8
	}

	switch state.Status() {
	case StatusConverged:
		base += 0.10
	case StatusDiverged:
		base -= 0.20
	case StatusPlateau:
		base += 0.05
	}
	return clip01(base, neutralScore)
}

// StructuralStability rewards tight posteriors and even temporal residuals.
func StructuralStability(p VariationalParams, r MomentResiduals) float64 {
	if len(p.Sigma) == 0 {
		return neutralScore
	}
	score := 1 / (1 + stat.Mean(p.Sigma, nil))
	if len(r.Temporal) > 0 {
		_, variance := stat.PopMeanVariance(r.Temporal, nil)
		score = 0.7*score + 0.3/(1+math.Sqrt(variance))
	}
	return clip01(score, neutralScore)
}

// EnvironmentQuality scores the raw window on completeness, outlier share and sampling regularity.
// Windows shorter than 10 rows score neutral.
func EnvironmentQuality(raw *frame.Frame) float64 {
	if raw.Len() < 10 {
		return neutralScore
	}
	score := 0.4*raw.Completeness() + 0.4*priceConsistency(raw) + 0.2*samplingRegularity(raw)
	return clip01(score, neutralScore)
}

// DynamicValidationScore blends outcome, trajectory smoothness and a naive holdout forecast.
func DynamicValidationScore(state UpdateState, data *frame.Frame) float64 {
	var self float64
	switch state.Status() {
	case StatusConverged:
		self = 0.8
	case StatusPlateau:
		self = 0.6
	default:
		self = 0.3
	}
	score := 0.4*self + 0.3*trajectoryStability(state.ParamHistory) + 0.3*predictiveQuality(data)
	return clip01(score, neutralScore)
}

// priceConsistency is 1 minus the pooled share of price changes beyond 3 standard deviations.
func priceConsistency(raw *frame.Frame) float64 {
	total, outliers := 0, 0
	for _, d := range raw.Diff() {
		v := finiteOnly(d)
		if len(v) < 2 {
			continue
		}
		mean, variance := stat.PopMeanVariance(v, nil)
		limit := 3 * math.Sqrt(variance)
		for _, x := range v {
			total++
			if math.Abs(x-mean) > limit {
				outliers++
			}
		}
	}
	if total == 0 {
		return 1
	}
	return 1 - float64(outliers)/float64(total)
}

// samplingRegularity is 1/(1+CV) of inter-row time gaps; positional frames count as regular.
func samplingRegularity(raw *frame.Frame) float64 {
	idx := raw.Index()
	if len(idx) < 3 {
		return 1
	}
	gaps := make([]float64, len(idx)-1)
	for i := 1; i < len(idx); i++ {
		gaps[i-1] = idx[i].Sub(idx[i-1]).Seconds()
	}
	mean, variance := stat.PopMeanVariance(gaps, nil)
	if mean <= 0 {
		return 0
	}
	return 1 / (1 + math.Sqrt(variance)/mean)
}

func trajectoryStability(history []VariationalParams) float64 {
	if len(history) < 2 {
		return neutralScore
	}
	var sum float64
	for k := 1; k < len(history); k++ {
		prev, cur := history[k-1], history[k]
		step := meanAbsDiff(prev.Mu, cur.Mu) + meanAbsDiff(prev.Sigma, cur.Sigma)
		sum += 1 / (1 + step)
	}
	return sum / float64(len(history)-1)
}

// predictiveQuality forecasts the last 20% of each column with its training mean.
func predictiveQuality(data *frame.Frame) float64 {
	n := data.Len()
	if n < 20 {
		return neutralScore
	}
	split := int(0.8 * float64(n))
	var sse float64
	count := 0
	for _, name := range data.Columns() {
		col, err := data.Column(name)
		if err != nil {
			continue
		}
		train := finiteOnly(col[:split])
		if len(train) == 0 {
			continue
		}
		forecast := stat.Mean(train, nil)
		for _, v := range col[split:] {
			if !isFinite(v) {
				continue
			}
			e := v - forecast
			sse += e * e
			count++
		}
	}
	if count == 0 {
		return neutralScore
	}
	q := 1 / (1 + sse/float64(count))
	if !isFinite(q) {
		return 0
	}
	return q
}

func meanAbsDiff(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var s float64
	for i := 0; i < n; i++ {
		s += math.Abs(a[i] - b[i])
	}
	return s / float64(n)
}

// clip01 clamps v to [0, 1]; NaN becomes fallback.
func clip01(v, fallback float64) float64 {
	switch {
	case math.IsNaN(v):
		return fallback
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
