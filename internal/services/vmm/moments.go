package vmm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"CoordRisk/pkg/frame"
)

// TargetProvider yields the moment targets for a window of betaDim firms.
// historical may be nil.
type TargetProvider interface {
	Targets(historical *frame.Frame, betaDim int) MomentTargets
}

// CompetitivePrior is the fixed competitive benchmark: zero mean beta, diagonal variance and
// lag-1 autocovariance targets.
type CompetitivePrior struct {
	Variance float64
	Autocov  float64
}

// DefaultPrior is the benchmark used when no other provider is configured.
var DefaultPrior = CompetitivePrior{Variance: 0.1, Autocov: 0.3}

var _ TargetProvider = CompetitivePrior{}

// Targets ignores historical data; the prior is fixed.
func (p CompetitivePrior) Targets(_ *frame.Frame, betaDim int) MomentTargets {
	if betaDim <= 0 {
		return MomentTargets{}
	}
	return MomentTargets{
		Beta0:  make([]float64, betaDim),
		Sigma0: mat.NewDiagDense(betaDim, fill(betaDim, p.Variance)),
		Rho0:   mat.NewDiagDense(betaDim, fill(betaDim, p.Autocov)),
	}
}

// ComputeMomentTargets returns the default competitive prior for betaDim firms.
func ComputeMomentTargets(historical *frame.Frame, betaDim int) MomentTargets {
	return DefaultPrior.Targets(historical, betaDim)
}

// ExtractBetaEstimates builds the cross-firm beta proxy: for every ordered pair (i, j), i != j,
// beta_i(t) accumulates corr(dp_i, dp_j) * dp_j(t). It returns current = beta[1:] and
// lagged = beta[:-1], both with T-2 rows.
func ExtractBetaEstimates(window *frame.Frame, priceCols []string) (current, lagged [][]float64, err error) {
	if window.Len() < 2 {
		return nil, nil, fmt.Errorf("%w: beta extraction needs 2 observations, got %d", ErrInsufficientRows, window.Len())
	}
	sel, err := window.Select(priceCols...)
	if err != nil {
		if errors.Is(err, frame.ErrUnknownField) {
			return nil, nil, fmt.Errorf("%w: %v", ErrMissingColumn, err)
		}
		return nil, nil, fmt.Errorf("select price columns: %w", err)
	}

	dp := sel.Diff()
	f := len(dp)
	rows := window.Len() - 1
	beta := make([][]float64, rows)
	for t := range beta {
		beta[t] = make([]float64, f)
	}

	for i := 0; i < f; i++ {
		for j := 0; j < f; j++ {
			if i == j {
				continue
			}
			c := pairwiseCorrelation(dp[i], dp[j])
			if math.IsNaN(c) {
				continue
			}
			for t, v := range dp[j] {
				if math.IsNaN(v) {
					continue
				}
				beta[t][i] += c * v
			}
		}
	}

	return beta[1:], beta[:rows-1], nil
}

// ComputeSampleMoments computes per-firm mean, variance and lag-1 covariance of the beta proxies.
// Variance and covariance are unbiased; fewer than two usable rows yield 0.
func ComputeSampleMoments(current, lagged [][]float64) (SampleMoments, error) {
	if len(current) != len(lagged) {
		return SampleMoments{}, fmt.Errorf("%w: current has %d rows, lagged %d", ErrLengthMismatch, len(current), len(lagged))
	}
	if len(current) == 0 {
		return SampleMoments{}, fmt.Errorf("%w: no beta rows", ErrInsufficientRows)
	}
	f := len(current[0])
	for t := range current {
		if len(current[t]) != f || len(lagged[t]) != f {
			return SampleMoments{}, fmt.Errorf("%w: row %d width differs from %d", ErrLengthMismatch, t, f)
		}
	}

	sm := SampleMoments{
		BetaT:      current,
		BetaT1:     lagged,
		SampleMean: make([]float64, f),
		SampleVar:  make([]float64, f),
		SampleCov:  make([]float64, f),
	}
	for i := 0; i < f; i++ {
		x := column(current, i)
		y := column(lagged, i)

		valid := finiteOnly(x)
		if len(valid) > 0 {
			sm.SampleMean[i] = stat.Mean(valid, nil)
		}
		if len(valid) >= 2 {
			sm.SampleVar[i] = stat.Variance(valid, nil)
		}

		px, py := pairwiseComplete(x, y)
		if len(px) >= 2 {
			sm.SampleCov[i] = stat.Covariance(px, py, nil)
		}
	}
	return sm, nil
}

// EvaluateMomentConditions returns first, second and temporal residuals against targets.
func EvaluateMomentConditions(sm SampleMoments, targets MomentTargets) (MomentResiduals, error) {
	f := len(sm.SampleMean)
	if len(targets.Beta0) != f || targets.Sigma0 == nil || targets.Rho0 == nil ||
		targets.Sigma0.Diag() != f || targets.Rho0.Diag() != f {
		return MomentResiduals{}, fmt.Errorf("%w: targets do not match %d firms", ErrLengthMismatch, f)
	}
	if len(sm.SampleVar) != f || len(sm.SampleCov) != f {
		return MomentResiduals{}, fmt.Errorf("%w: sample moments have inconsistent widths", ErrLengthMismatch)
	}

	res := MomentResiduals{
		First:    make([]float64, f),
		Second:   make([]float64, f),
		Temporal: make([]float64, f),
	}
	for i := 0; i < f; i++ {
		res.First[i] = sm.SampleMean[i] - targets.Beta0[i]
		res.Second[i] = sm.SampleVar[i] - targets.Sigma0.At(i, i)
		res.Temporal[i] = sm.SampleCov[i] - targets.Rho0.At(i, i)
	}
	return res, nil
}

// WeightingScheme produces the 3F x 3F weight matrix over (first, second, temporal) residuals.
type WeightingScheme interface {
	Weights(betaDim int) *mat.Dense
}

// IdentityWeights weighs every moment condition equally.
type IdentityWeights struct{}

var _ WeightingScheme = IdentityWeights{}

func (IdentityWeights) Weights(betaDim int) *mat.Dense { return ComputeMomentWeights(betaDim) }

// ComputeMomentWeights returns the 3F x 3F identity, nil for betaDim <= 0.
func ComputeMomentWeights(betaDim int) *mat.Dense {
	if betaDim <= 0 {
		return nil
	}
	n := 3 * betaDim
	w := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		w.Set(i, i, 1)
	}
	return w
}

func pairwiseCorrelation(x, y []float64) float64 {
	px, py := pairwiseComplete(x, y)
	if len(px) < 2 {
		return math.NaN()
	}
	// correlation is scale free; normalising keeps the squared sums representable
	if !unitScale(px) || !unitScale(py) {
		return math.NaN()
	}
	c := stat.Correlation(px, py, nil)
	if math.IsInf(c, 0) {
		return math.NaN()
	}
	return c
}

// unitScale divides x in place by its largest magnitude. It reports false for an all-zero x.
func unitScale(x []float64) bool {
	big := math.Max(math.Abs(floats.Max(x)), math.Abs(floats.Min(x)))
	if big == 0 || !isFinite(big) {
		return false
	}
	floats.Scale(1/big, x)
	return true
}

func pairwiseComplete(x, y []float64) ([]float64, []float64) {
	px := make([]float64, 0, len(x))
	py := make([]float64, 0, len(y))
	for t := range x {
		if isFinite(x[t]) && isFinite(y[t]) {
			px = append(px, x[t])
			py = append(py, y[t])
		}
	}
	return px, py
}

func column(rows [][]float64, j int) []float64 {
	out := make([]float64, len(rows))
	for t, r := range rows {
		out[t] = r[j]
	}
	return out
}

func finiteOnly(x []float64) []float64 {
	out := make([]float64, 0, len(x))
	for _, v := range x {
		if isFinite(v) {
			out = append(out, v)
		}
	}
	return out
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
