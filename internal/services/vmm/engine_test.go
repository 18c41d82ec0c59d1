package vmm

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordRisk/pkg/frame"
)

// synthWindow builds random-walk prices driven by a shared factor plus venue noise.
func synthWindow(seed uint64, rows, firms int, noise float64) *frame.Frame {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	idx := make([]time.Time, rows)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range idx {
		idx[i] = t0.Add(time.Duration(i) * time.Minute)
	}
	names := make([]string, firms)
	cols := make([][]float64, firms)
	for j := range cols {
		names[j] = fmt.Sprintf("venue_%d_price", j)
		cols[j] = make([]float64, rows)
		cols[j][0] = 100
	}
	for t := 1; t < rows; t++ {
		common := rng.NormFloat64()
		for j := range cols {
			cols[j][t] = cols[j][t-1] + noise*(0.5*common+rng.NormFloat64())
		}
	}
	return frame.MustNew(idx, names, cols)
}

func assertBounded(t *testing.T, out VMMOutput, maxIters int) {
	t.Helper()
	for name, v := range map[string]float64{
		"regime_confidence":        out.RegimeConfidence,
		"structural_stability":     out.StructuralStability,
		"environment_quality":      out.EnvironmentQuality,
		"dynamic_validation_score": out.DynamicValidationScore,
	} {
		assert.False(t, math.IsNaN(v), name)
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
	assert.False(t, math.IsNaN(out.ELBOFinal) || math.IsInf(out.ELBOFinal, 0))
	assert.Contains(t, []ConvergenceStatus{StatusConverged, StatusDiverged, StatusPlateau, StatusMaxIterations}, out.ConvergenceStatus)
	assert.LessOrEqual(t, out.Iterations, maxIters)
	assert.Positive(t, out.Iterations)
}

func TestRunBoundedOverRandomWindows(t *testing.T) {
	rng := rand.New(rand.NewPCG(2024, 11))
	cfg := DefaultEngineConfig()
	engine := NewEngine(cfg)

	for k := 0; k < 60; k++ {
		rows := 30 + rng.IntN(120)
		firms := 2 + rng.IntN(4)
		noise := math.Pow(10, -3+6*rng.Float64())
		w := synthWindow(uint64(k), rows, firms, noise)

		// knock out ~10% of cells, never a whole row
		cols := make([][]float64, firms)
		for j, name := range w.Columns() {
			cols[j], _ = w.Column(name)
		}
		for tIdx := 0; tIdx < rows; tIdx++ {
			j := rng.IntN(firms)
			if rng.Float64() < 0.1*float64(firms) {
				cols[j][tIdx] = math.NaN()
			}
		}
		holed := frame.MustNew(w.Index(), w.Columns(), cols)

		out, err := engine.Run(context.Background(), holed, holed.Columns(), nil)
		require.NoError(t, err, "window %d", k)
		assertBounded(t, out, cfg.MaxIters)
		assert.Equal(t, rows, out.WindowSize)
	}
}

func TestRunHugeJumpsDiverge(t *testing.T) {
	cfg := DefaultEngineConfig()
	engine := NewEngine(cfg)
	for _, scale := range []float64{1e6, 1e50, 1e155, 1e200} {
		w := synthWindow(7, 60, 3, scale)
		out, err := engine.Run(context.Background(), w, w.Columns(), nil)
		require.NoError(t, err, "scale %g", scale)
		assertBounded(t, out, cfg.MaxIters)
		assert.Equal(t, StatusDiverged, out.ConvergenceStatus, "scale %g", scale)
		assert.Less(t, out.RegimeConfidence, 0.5, "scale %g", scale)
	}
}

func TestRunDeterministic(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.EmitParams = true
	cfg.EmitMoments = true
	w := synthWindow(3, 80, 3, 1)

	a, err := NewEngine(cfg).Run(context.Background(), w, w.Columns(), nil)
	require.NoError(t, err)
	b, err := NewEngine(cfg).Run(context.Background(), w, w.Columns(), nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	require.NotNil(t, a.VariationalParams)
	require.NotNil(t, a.MomentConditions)
	assert.Len(t, a.VariationalParams.Mu, 3)
}

func TestRunConcurrentMatchesSequential(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig())
	windows := make([]*frame.Frame, 8)
	want := make([]VMMOutput, len(windows))
	for i := range windows {
		windows[i] = synthWindow(uint64(100+i), 60, 3, 0.5)
		out, err := engine.Run(context.Background(), windows[i], windows[i].Columns(), nil)
		require.NoError(t, err)
		want[i] = out
	}

	got := make([]VMMOutput, len(windows))
	var wg sync.WaitGroup
	for i := range windows {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = engine.Run(context.Background(), windows[i], windows[i].Columns(), nil)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, want, got)
}

func TestStructuralStabilityFallsWithNoise(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig())
	mean := func(noise float64) float64 {
		var s float64
		for seed := uint64(1); seed <= 10; seed++ {
			w := synthWindow(seed, 100, 3, noise)
			out, err := engine.Run(context.Background(), w, w.Columns(), nil)
			require.NoError(t, err)
			s += out.StructuralStability
		}
		return s / 10
	}
	calm, noisy := mean(0.01), mean(50)
	assert.Less(t, noisy, calm)
}

func TestRunContainsDivergence(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	rows, firms := 60, 3
	cols := make([][]float64, firms)
	for j := range cols {
		cols[j] = make([]float64, rows)
	}
	for tIdx := 1; tIdx < rows; tIdx++ {
		shock := 1e6 * rng.NormFloat64()
		for j := range cols {
			cols[j][tIdx] = cols[j][tIdx-1] + shock + rng.NormFloat64()
		}
	}
	w := frame.MustNew(nil, []string{"a_price", "b_price", "c_price"}, cols)

	cfg := DefaultEngineConfig()
	out, err := NewEngine(cfg).Run(context.Background(), w, w.Columns(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDiverged, out.ConvergenceStatus)
	assert.Less(t, out.Iterations, cfg.MaxIters)
	assert.Equal(t, 0.0, out.RegimeConfidence)
	assertBounded(t, out, cfg.MaxIters)
}

func TestRunValidation(t *testing.T) {
	long := synthWindow(1, 40, 2, 1)
	short := synthWindow(1, 10, 2, 1)
	cases := []struct {
		name   string
		window *frame.Frame
		cols   []string
		want   error
	}{
		{"nil window", nil, []string{"a", "b"}, ErrEmptyWindow},
		{"no rows", frame.MustNew(nil, []string{"a", "b"}, [][]float64{{}, {}}), []string{"a", "b"}, ErrEmptyWindow},
		{"one column", long, []string{"venue_0_price"}, ErrTooFewColumns},
		{"missing column", long, []string{"venue_0_price", "nope"}, ErrMissingColumn},
		{"too few rows", short, short.Columns(), ErrInsufficientRows},
	}
	engine := NewEngine(DefaultEngineConfig())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Run(context.Background(), tc.window, tc.cols, nil)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestRunRejectsWindowWithNoObservations(t *testing.T) {
	cols := [][]float64{make([]float64, 40), make([]float64, 40)}
	for _, c := range cols {
		for i := range c {
			c[i] = math.NaN()
		}
	}
	blank := frame.MustNew(nil, []string{"a", "b"}, cols)
	_, err := NewEngine(DefaultEngineConfig()).Run(context.Background(), blank, blank.Columns(), nil)
	assert.ErrorIs(t, err, ErrInsufficientRows)
}

func TestRunHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := synthWindow(1, 40, 2, 1)
	_, err := NewEngine(DefaultEngineConfig()).Run(ctx, w, w.Columns(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type scaledPrior struct{ calls int }

func (p *scaledPrior) Targets(h *frame.Frame, f int) MomentTargets {
	p.calls++
	return CompetitivePrior{Variance: 1, Autocov: 0}.Targets(h, f)
}

func TestRunUsesPluggedTargets(t *testing.T) {
	prior := &scaledPrior{}
	cfg := DefaultEngineConfig()
	cfg.EmitMoments = true
	w := synthWindow(5, 50, 2, 1)

	out, err := NewEngine(cfg, WithTargetProvider(prior)).Run(context.Background(), w, w.Columns(), w)
	require.NoError(t, err)
	assert.Equal(t, 1, prior.calls)

	base, err := NewEngine(cfg).Run(context.Background(), w, w.Columns(), nil)
	require.NoError(t, err)
	for i := range out.MomentConditions.Second {
		assert.InDelta(t, base.MomentConditions.Second[i]-0.9, out.MomentConditions.Second[i], 1e-9)
		assert.InDelta(t, base.MomentConditions.Temporal[i]+0.3, out.MomentConditions.Temporal[i], 1e-9)
	}
}

func TestRunVMMDetectsPriceColumns(t *testing.T) {
	w := synthWindow(4, 50, 2, 1)
	a, _ := w.Column("venue_0_price")
	b, _ := w.Column("venue_1_price")
	vol := make([]float64, len(a))
	for i := range vol {
		vol[i] = float64(1000 + i*i)
	}
	withVolume := frame.MustNew(w.Index(), []string{"venue_0_price", "volume", "venue_1_price"}, [][]float64{a, vol, b})

	cfg := DefaultEngineConfig()
	got, err := RunVMM(context.Background(), withVolume, cfg)
	require.NoError(t, err)
	want, err := NewEngine(cfg).Run(context.Background(), w, []string{"venue_0_price", "venue_1_price"}, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	unnamed := frame.MustNew(nil, []string{"x", "y"}, [][]float64{a, b})
	_, err = RunVMM(context.Background(), unnamed, cfg)
	assert.NoError(t, err)

	single := frame.MustNew(nil, []string{"x"}, [][]float64{a})
	_, err = RunVMM(context.Background(), single, cfg)
	assert.ErrorIs(t, err, ErrTooFewColumns)
}
