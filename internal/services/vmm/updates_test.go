package vmm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func residuals(first, second, temporal float64, f int) MomentResiduals {
	return MomentResiduals{First: fill(f, first), Second: fill(f, second), Temporal: fill(f, temporal)}
}

func TestInitializeParamsSeeded(t *testing.T) {
	a := InitializeParams(4, 7)
	b := InitializeParams(4, 7)
	c := InitializeParams(4, 8)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	for i := range a.Sigma {
		assert.GreaterOrEqual(t, a.Sigma[i], 0.1+1e-6)
		assert.LessOrEqual(t, a.Sigma[i], 0.5+1e-6)
		assert.Less(t, math.Abs(a.Mu[i]), 1.0)
	}
}

func TestLearningRateSchedule(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())
	assert.Equal(t, 0.0, o.LearningRate(0))
	assert.InDelta(t, 0.005, o.LearningRate(50), 1e-12)
	assert.InDelta(t, 0.01, o.LearningRate(100), 1e-12)
	assert.InDelta(t, 0.005, o.LearningRate(150), 1e-12)
	assert.InDelta(t, 0.0, o.LearningRate(200), 1e-12)

	prev := o.LearningRate(100)
	for it := 101; it < 200; it++ {
		lr := o.LearningRate(it)
		assert.LessOrEqual(t, lr, prev)
		prev = lr
	}
}

func TestGradientsClippedAndFinite(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())
	p := VariationalParams{Mu: []float64{0, 0, 0}, Sigma: []float64{0.2, 0.3, 0.4}}

	gMu, gSigma := o.Gradients(p, residuals(1e9, 1e12, -1e10, 3))
	assert.InDelta(t, 5.0, floats.Norm(gMu, 2), 1e-9)
	assert.InDelta(t, 5.0, floats.Norm(gSigma, 2), 1e-9)

	r := MomentResiduals{
		First:    []float64{math.NaN(), 0.1, 0.1},
		Second:   []float64{math.Inf(1), 0.1, 0.1},
		Temporal: []float64{0, 0, 0},
	}
	gMu, gSigma = o.Gradients(p, r)
	assert.Equal(t, 0.0, gMu[0])
	assert.Equal(t, 0.0, gSigma[0])
	assert.InDelta(t, 0.1/(0.3+1e-8), gMu[1], 1e-9)
}

func TestGradientsSurviveOverflowingNorm(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())
	p := VariationalParams{Mu: []float64{0, 0}, Sigma: []float64{1e-6, 1e-6}}
	gMu, _ := o.Gradients(p, residuals(1e300, 0, 0, 2))
	n := floats.Norm(gMu, 2)
	assert.False(t, math.IsInf(n, 0) || math.IsNaN(n))
	assert.LessOrEqual(t, n, 5.0+1e-9)
}

func TestStepClipsSigma(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())
	p := VariationalParams{Mu: []float64{0, 0}, Sigma: []float64{0.3, 0.3}}

	up := o.Step(p, residuals(0, 10, 0, 2), 1000)
	assert.Equal(t, []float64{100, 100}, up.Sigma)

	down := o.Step(p, residuals(0, -10, 0, 2), 1000)
	assert.Equal(t, []float64{1e-6, 1e-6}, down.Sigma)

	// input untouched
	assert.Equal(t, []float64{0.3, 0.3}, p.Sigma)
}

func TestStepKeepsPreviousOnNonFinite(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())
	p := VariationalParams{Mu: []float64{1}, Sigma: []float64{0.5}}
	next := o.Step(p, residuals(1, 1, 1, 1), math.Inf(1))
	assert.Equal(t, p.Mu, next.Mu)
	assert.Equal(t, p.Sigma, next.Sigma)
}

func TestELBOFallback(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())
	p := VariationalParams{Mu: []float64{0}, Sigma: []float64{math.NaN()}}
	assert.Equal(t, -1e6, o.ELBO(p, residuals(0, 0, 0, 1)))

	ok := VariationalParams{Mu: []float64{0}, Sigma: []float64{1}}
	assert.InDelta(t, 0.5*math.Log(2*math.Pi*math.E), o.ELBO(ok, residuals(0, 0, 0, 1)), 1e-12)
}

func TestELBOUsesWeightDiagonal(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())
	p := VariationalParams{Mu: []float64{0}, Sigma: []float64{1}}
	r := residuals(1, 0, 0, 1)
	base := o.ELBO(p, r)

	w := ComputeMomentWeights(1)
	w.Set(0, 0, 3)
	weighted := o.WithWeights(w).ELBO(p, r)
	assert.InDelta(t, base-1.0, weighted, 1e-12)
}

func TestOptimizeConvergesOnZeroResiduals(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())
	init := o.InitializeParams(3)
	params, state := o.Optimize(init, residuals(0, 0, 0, 3))

	assert.True(t, state.Converged)
	assert.Equal(t, StatusConverged, state.Status())
	assert.Equal(t, 5, state.Iteration)
	assert.Len(t, state.ELBOHistory, 5)
	assert.Len(t, state.ParamHistory, 6)
	assert.Equal(t, init, params)
}

func TestOptimizePlateauStop(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.ConvergenceWindow = 50
	o := NewOptimizer(cfg)
	_, state := o.Optimize(o.InitializeParams(2), residuals(0, 0, 0, 2))
	assert.True(t, state.Plateaued)
	assert.False(t, state.Converged)
	assert.Equal(t, StatusPlateau, state.Status())
	assert.Equal(t, 10, state.Iteration)

	cfg.EarlyStopPlateau = false
	o = NewOptimizer(cfg)
	_, state = o.Optimize(o.InitializeParams(2), residuals(0, 0, 0, 2))
	assert.True(t, state.Plateaued)
	assert.True(t, state.Converged)
	assert.Equal(t, StatusConverged, state.Status())
	assert.Equal(t, 50, state.Iteration)
}

func TestOptimizeDivergenceShortCircuits(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())
	_, state := o.Optimize(o.InitializeParams(3), residuals(1e12, 1e12, 1e11, 3))

	require.True(t, state.Diverged)
	assert.Equal(t, StatusDiverged, state.Status())
	assert.Less(t, state.Iteration, 10)
	for _, e := range state.ELBOHistory {
		assert.False(t, math.IsNaN(e) || math.IsInf(e, 0))
	}

	cfg := DefaultOptimizerConfig()
	cfg.DivergenceGuard = false
	cfg.MaxIters = 20
	o = NewOptimizer(cfg)
	_, state = o.Optimize(o.InitializeParams(3), residuals(1e12, 1e12, 1e11, 3))
	assert.False(t, state.Diverged)
}

func TestOptimizeStopsOnNumericFailure(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.DivergenceGuard = false
	o := NewOptimizer(cfg)

	// squared residuals overflow, so every ELBO would be the constant fallback
	_, state := o.Optimize(o.InitializeParams(2), residuals(1e200, 0, 0, 2))
	require.True(t, state.Diverged)
	assert.Equal(t, StatusDiverged, state.Status())
	assert.Equal(t, 1, state.Iteration)
	assert.Equal(t, []float64{-1e6}, state.ELBOHistory)

	_, state = o.Optimize(o.InitializeParams(2), residuals(math.Inf(1), 0, 0, 2))
	assert.Equal(t, StatusDiverged, state.Status())
}

func TestHistoryIsSnapshotted(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())
	_, state := o.Optimize(o.InitializeParams(2), residuals(0.5, 0.5, 0.1, 2))
	require.Greater(t, len(state.ParamHistory), 2)

	before := state.ParamHistory[1].Sigma[0]
	state.ParamHistory[2].Sigma[0] = 42
	assert.Equal(t, before, state.ParamHistory[1].Sigma[0])
}

func TestCheckNumericalStability(t *testing.T) {
	cases := []struct {
		name string
		p    VariationalParams
		want bool
	}{
		{"ok", VariationalParams{Mu: []float64{1, -2}, Sigma: []float64{0.5, 3}}, true},
		{"nan mu", VariationalParams{Mu: []float64{math.NaN()}, Sigma: []float64{1}}, false},
		{"sigma below floor", VariationalParams{Mu: []float64{0}, Sigma: []float64{1e-9}}, false},
		{"sigma too large", VariationalParams{Mu: []float64{0}, Sigma: []float64{1001}}, false},
		{"mu too large", VariationalParams{Mu: []float64{-101}, Sigma: []float64{1}}, false},
		{"ragged", VariationalParams{Mu: []float64{0, 1}, Sigma: []float64{1}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CheckNumericalStability(tc.p))
		})
	}
}

func TestStatusPrecedence(t *testing.T) {
	assert.Equal(t, StatusConverged, UpdateState{Converged: true, Diverged: true, Plateaued: true}.Status())
	assert.Equal(t, StatusDiverged, UpdateState{Diverged: true, Plateaued: true}.Status())
	assert.Equal(t, StatusPlateau, UpdateState{Plateaued: true}.Status())
	assert.Equal(t, StatusMaxIterations, UpdateState{}.Status())
}
