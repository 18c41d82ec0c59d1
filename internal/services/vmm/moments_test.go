package vmm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordRisk/pkg/frame"
)

func TestComputeMomentTargetsFixedPrior(t *testing.T) {
	hist := frame.MustNew(nil, []string{"a", "b", "c"}, [][]float64{{1, 2}, {3, 4}, {5, 6}})
	for _, h := range []*frame.Frame{nil, hist} {
		tg := ComputeMomentTargets(h, 3)
		assert.Equal(t, []float64{0, 0, 0}, tg.Beta0)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				wantS, wantR := 0.0, 0.0
				if i == j {
					wantS, wantR = 0.1, 0.3
				}
				assert.Equal(t, wantS, tg.Sigma0.At(i, j))
				assert.Equal(t, wantR, tg.Rho0.At(i, j))
			}
		}
	}
	assert.Nil(t, ComputeMomentTargets(nil, 0).Beta0)
}

func TestExtractBetaEstimatesProxy(t *testing.T) {
	// dp_b = 2 * dp_a, so corr = 1 and each beta is the other firm's change.
	w := frame.MustNew(nil, []string{"a", "b"}, [][]float64{
		{0, 1, 3, 6},
		{0, 2, 6, 12},
	})
	current, lagged, err := ExtractBetaEstimates(w, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, current, 2)
	require.Len(t, lagged, 2)

	want := [][]float64{{2, 1}, {4, 2}, {6, 3}}
	for k := range current {
		for i := 0; i < 2; i++ {
			assert.InDelta(t, want[k+1][i], current[k][i], 1e-9)
			assert.InDelta(t, want[k][i], lagged[k][i], 1e-9)
		}
	}
}

func TestExtractBetaEstimatesShapes(t *testing.T) {
	w := frame.MustNew(nil, []string{"a", "b", "c"}, [][]float64{
		{1, 2, 1, 3, 2, 4},
		{5, 4, 6, 5, 7, 6},
		{2, 2, 3, 3, 4, 5},
	})
	current, lagged, err := ExtractBetaEstimates(w, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, current, 4)
	for k := 1; k < len(current); k++ {
		assert.Equal(t, current[k-1], lagged[k])
	}
	for _, row := range current {
		assert.Len(t, row, 3)
	}
}

func TestExtractBetaEstimatesConstantSeriesContributesNothing(t *testing.T) {
	w := frame.MustNew(nil, []string{"a", "b"}, [][]float64{
		{1, 2, 4, 3},
		{5, 5, 5, 5},
	})
	current, _, err := ExtractBetaEstimates(w, []string{"a", "b"})
	require.NoError(t, err)
	for _, row := range current {
		assert.Equal(t, []float64{0, 0}, row)
	}
}

func TestExtractBetaEstimatesErrors(t *testing.T) {
	one := frame.MustNew(nil, []string{"a", "b"}, [][]float64{{1}, {2}})
	_, _, err := ExtractBetaEstimates(one, []string{"a", "b"})
	assert.ErrorIs(t, err, ErrInsufficientRows)

	w := frame.MustNew(nil, []string{"a", "b"}, [][]float64{{1, 2}, {2, 3}})
	_, _, err = ExtractBetaEstimates(w, []string{"a", "zz"})
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestComputeSampleMomentsValidation(t *testing.T) {
	_, err := ComputeSampleMoments([][]float64{{1}}, [][]float64{{1}, {2}})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = ComputeSampleMoments(nil, nil)
	assert.ErrorIs(t, err, ErrInsufficientRows)

	_, err = ComputeSampleMoments([][]float64{{1, 2}, {3}}, [][]float64{{1, 2}, {3, 4}})
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestComputeSampleMomentsSymmetry(t *testing.T) {
	series := [][]float64{{0.3, -1.2}, {1.7, 0.4}, {-0.5, 2.2}, {0.9, -0.8}, {2.4, 1.1}}
	sm, err := ComputeSampleMoments(series, series)
	require.NoError(t, err)
	for i := range sm.SampleVar {
		assert.InDelta(t, sm.SampleVar[i], sm.SampleCov[i], 1e-12)
		assert.Greater(t, sm.SampleVar[i], 0.0)
	}
}

func TestComputeSampleMomentsKnownValues(t *testing.T) {
	current := [][]float64{{1}, {2}, {3}, {4}}
	lagged := [][]float64{{2}, {4}, {6}, {8}}
	sm, err := ComputeSampleMoments(current, lagged)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, sm.SampleMean[0], 1e-12)
	assert.InDelta(t, 5.0/3.0, sm.SampleVar[0], 1e-12)
	assert.InDelta(t, 10.0/3.0, sm.SampleCov[0], 1e-12)
}

func TestComputeSampleMomentsPairwiseComplete(t *testing.T) {
	nan := math.NaN()
	current := [][]float64{{1, 1}, {nan, 2}, {3, nan}, {5, 4}}
	lagged := [][]float64{{0, nan}, {1, nan}, {nan, 2}, {4, 3}}
	sm, err := ComputeSampleMoments(current, lagged)
	require.NoError(t, err)

	// firm 0: pairs (1,0) and (5,4) survive
	assert.InDelta(t, 8.0, sm.SampleCov[0], 1e-12)
	// firm 1: only (4,3) survives, below the two-pair minimum
	assert.Equal(t, 0.0, sm.SampleCov[1])
	assert.InDelta(t, 3.0, sm.SampleMean[0], 1e-12)
}

func TestEvaluateMomentConditions(t *testing.T) {
	sm := SampleMoments{
		SampleMean: []float64{0.2, -0.1},
		SampleVar:  []float64{0.5, 0.1},
		SampleCov:  []float64{0.3, 0.0},
	}
	res, err := EvaluateMomentConditions(sm, ComputeMomentTargets(nil, 2))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.2, -0.1}, res.First, 1e-12)
	assert.InDeltaSlice(t, []float64{0.4, 0.0}, res.Second, 1e-12)
	assert.InDeltaSlice(t, []float64{0.0, -0.3}, res.Temporal, 1e-12)

	_, err = EvaluateMomentConditions(sm, ComputeMomentTargets(nil, 3))
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestComputeMomentWeightsIdentity(t *testing.T) {
	w := ComputeMomentWeights(2)
	r, c := w.Dims()
	require.Equal(t, 6, r)
	require.Equal(t, 6, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.Equal(t, want, w.At(i, j))
		}
	}
	assert.Nil(t, ComputeMomentWeights(0))
	assert.Equal(t, w, IdentityWeights{}.Weights(2))
}

func TestPairwiseCorrelationIsScaleFree(t *testing.T) {
	x := []float64{1, -2, 3, 0.5, -1, 2}
	y := []float64{0.8, -1.5, 2.5, 1, -0.5, 1.5}
	want := pairwiseCorrelation(x, y)
	require.False(t, math.IsNaN(want))

	bx := make([]float64, len(x))
	by := make([]float64, len(y))
	for i := range x {
		bx[i] = x[i] * 1e200
		by[i] = y[i] * 1e155
	}
	assert.InDelta(t, want, pairwiseCorrelation(bx, by), 1e-12)
	assert.Equal(t, 1e200, bx[0], "inputs are left untouched")

	assert.True(t, math.IsNaN(pairwiseCorrelation([]float64{0, 0, 0}, y[:3])))
}
