package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	models "CoordRisk/internal/domain/models"
	domrepo "CoordRisk/internal/domain/repository"
	"CoordRisk/internal/services/calibration"
	"CoordRisk/internal/services/vmm"
	"CoordRisk/internal/usecase"
	"CoordRisk/pkg/frame"
	"CoordRisk/pkg/metrics"
)

var t0 = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type memWindows map[string]*frame.Frame

func (m memWindows) LoadWindow(_ context.Context, market string, _ []string, _, _ time.Time) (*frame.Frame, error) {
	f, ok := m[market]
	if !ok {
		return nil, domrepo.ErrWindowNotFound
	}
	return f, nil
}

func correlatedSeries(n int) (idx []time.Time, a, b []float64) {
	rng := rand.New(rand.NewPCG(3, 9))
	idx = make([]time.Time, n)
	a, b = make([]float64, n), make([]float64, n)
	pa, pb := 100.0, 100.0
	for i := range idx {
		idx[i] = t0.Add(time.Duration(i) * time.Minute)
		common := rng.NormFloat64()
		pa += 0.5*common + 0.1*rng.NormFloat64()
		pb += 0.5*common + 0.1*rng.NormFloat64()
		a[i], b[i] = pa, pb
	}
	return idx, a, b
}

func newEcho(t *testing.T, store domrepo.WindowStore, maxBatch int) *echo.Echo {
	t.Helper()
	cfg := vmm.DefaultEngineConfig()
	cfg.MaxIters = 20
	rec := metrics.NewWithRegistry(prometheus.NewRegistry())
	fileStore := calibration.NewFileStore(t.TempDir())

	analyzer := usecase.NewWindowAnalyzer(store, vmm.NewEngine(cfg), usecase.NewStoreCalibrators(fileStore), nil, rec, nil, 2)
	trainer := usecase.NewCalibrationTrainer(fileStore, calibration.DefaultOptions(), calibration.DefaultGateConfig(), rec, nil)

	e := echo.New()
	NewVMMEchoHandler(nil, analyzer, cfg, maxBatch).RegisterRoutes(e)
	NewCalibrationEchoHandler(nil, trainer).RegisterRoutes(e)
	return e
}

func do(e *echo.Echo, method, target string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func TestRunInline(t *testing.T) {
	e := newEcho(t, nil, 0)
	idx, a, b := correlatedSeries(60)
	ts := make([]string, len(idx))
	sa, sb := make([]*float64, len(a)), make([]*float64, len(b))
	for i := range idx {
		ts[i] = idx[i].Format(time.RFC3339)
		sa[i], sb[i] = &a[i], &b[i]
	}
	iters := 10

	rec, env := do(e, http.MethodPost, "/api/vmm/run", map[string]interface{}{
		"timestamps": ts,
		"series":     map[string][]*float64{"okx_price": sa, "binance_price": sb},
		"config":     models.EngineOverrides{MaxIters: &iters},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res models.AnalysisResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "adhoc", res.Market)
	assert.Equal(t, []string{"binance_price", "okx_price"}, res.Venues)
	assert.LessOrEqual(t, res.Output.Iterations, iters)
	assert.True(t, idx[len(idx)-1].Equal(res.To))
	assert.Nil(t, res.Calibrated, "no calibrator stored yet")
}

func TestRunInlineRejectsBadInput(t *testing.T) {
	e := newEcho(t, nil, 0)
	one := 1.0
	short := []*float64{&one, &one, &one}

	rec, _ := do(e, http.MethodPost, "/api/vmm/run", map[string]interface{}{
		"series": map[string][]*float64{"a_price": short},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "one series")

	rec, _ = do(e, http.MethodPost, "/api/vmm/run", map[string]interface{}{
		"series": map[string][]*float64{"a_price": short, "b_price": short},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "too few rows")
	assert.Contains(t, rec.Body.String(), "insufficient")

	rec, _ = do(e, http.MethodPost, "/api/vmm/run", map[string]interface{}{
		"timestamps": []string{"2025-03-10"},
		"series":     map[string][]*float64{"a_price": short, "b_price": short},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "timestamp count")

	rec, _ = do(e, http.MethodPost, "/api/vmm/run", map[string]interface{}{
		"timestamps": []string{"x", "y", "z"},
		"series":     map[string][]*float64{"a_price": short, "b_price": short},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "timestamp format")
}

func TestInlineFrameMapsNullToNaN(t *testing.T) {
	one := 1.0
	f, err := inlineFrame(&models.InlineWindowRequest{
		Series: map[string][]*float64{"b": {&one, nil}, "a": {nil, &one}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, f.Columns())
	col, err := f.Column("a")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(col[0]))
	assert.Equal(t, 1.0, col[1])
}

func TestMarketWindow(t *testing.T) {
	idx, a, b := correlatedSeries(60)
	store := memWindows{"btc": frame.MustNew(idx, []string{"okx_price", "kraken_price"}, [][]float64{a, b})}
	e := newEcho(t, store, 0)

	q := url.Values{"market": {"btc"}, "from": {"2025-03-10"}, "to": {"2025-03-11"}}
	rec, env := do(e, http.MethodGet, "/api/vmm/market?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "private, max-age=15", rec.Header().Get(echo.HeaderCacheControl))
	var res models.AnalysisResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "btc", res.Market)

	q.Set("market", "sol")
	rec, _ = do(e, http.MethodGet, "/api/vmm/market?"+q.Encode(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	q.Set("to", "yesterday")
	rec, _ = do(e, http.MethodGet, "/api/vmm/market?"+q.Encode(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	q.Set("to", "2025-03-11")
	q.Set("venues", "okx")
	rec, _ = do(e, http.MethodGet, "/api/vmm/market?"+q.Encode(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "single venue")

	rec, _ = do(e, http.MethodGet, "/api/vmm/market?market=btc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing range")
}

func TestMarketWindowWithoutStore(t *testing.T) {
	e := newEcho(t, nil, 0)
	rec, _ := do(e, http.MethodGet, "/api/vmm/market?market=btc&from=2025-03-10&to=2025-03-11", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBatch(t *testing.T) {
	idx, a, b := correlatedSeries(60)
	store := memWindows{"btc": frame.MustNew(idx, []string{"okx_price", "kraken_price"}, [][]float64{a, b})}
	e := newEcho(t, store, 2)

	w := func(m string) models.WindowRequest {
		return models.WindowRequest{Market: m, From: t0, To: t0.Add(time.Hour)}
	}
	rec, env := do(e, http.MethodPost, "/api/vmm/batch", models.BatchWindowRequest{
		Windows: []models.WindowRequest{w("btc"), w("sol")},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out []usecase.BatchOutcome
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Len(t, out, 2)
	assert.NotNil(t, out[0].Result)
	assert.Empty(t, out[0].Error)
	assert.Nil(t, out[1].Result)
	assert.NotEmpty(t, out[1].Error)

	rec, _ = do(e, http.MethodPost, "/api/vmm/batch", models.BatchWindowRequest{
		Windows: []models.WindowRequest{w("btc"), w("btc"), w("btc")},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(e, http.MethodPost, "/api/vmm/batch", models.BatchWindowRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func separable(n int) ([]float64, []int) {
	scores := make([]float64, 0, 2*n)
	labels := make([]int, 0, 2*n)
	for i := 0; i < n; i++ {
		scores = append(scores, 0.1+0.01*float64(i), 0.7+0.01*float64(i))
		labels = append(labels, 0, 1)
	}
	return scores, labels
}

func TestCalibrationTrainAndGet(t *testing.T) {
	e := newEcho(t, nil, 0)
	scores, labels := separable(20)
	noHoldout := 0.0

	rec, env := do(e, http.MethodPost, "/api/calibration/train", models.CalibrationTrainRequest{
		Market: "btc", Period: "202503", Scores: scores, Labels: labels, ValidationSplit: &noHoldout,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var report models.CalibrationReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.True(t, report.Persisted)
	assert.Equal(t, "btc/202503", report.Key)
	assert.Equal(t, calibration.MethodIsotonic, report.Method)

	rec, env = do(e, http.MethodGet, "/api/calibration/btc/2025-03-21", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "btc/202503", got.Key)

	rec, _ = do(e, http.MethodGet, "/api/calibration/btc/202504", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(e, http.MethodGet, "/api/calibration/btc/someday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalibrationTrainRejections(t *testing.T) {
	e := newEcho(t, nil, 0)
	noHoldout := 0.0

	n := 20
	scores := make([]float64, 2*n)
	labels := make([]int, 2*n)
	for i := 0; i < n; i++ {
		scores[2*i], labels[2*i] = float64(i)/float64(n), 0
		scores[2*i+1], labels[2*i+1] = float64(i)/float64(n), 1
	}
	rec, env := do(e, http.MethodPost, "/api/calibration/train", models.CalibrationTrainRequest{
		Market: "btc", Period: "202503", Scores: scores, Labels: labels, ValidationSplit: &noHoldout,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var report models.CalibrationReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.False(t, report.Gates.Passed)
	assert.False(t, report.Persisted)

	cases := []struct {
		name string
		req  models.CalibrationTrainRequest
	}{
		{"label", models.CalibrationTrainRequest{Market: "btc", Scores: []float64{0.1, 0.2}, Labels: []int{0, 2}}},
		{"method", models.CalibrationTrainRequest{Market: "btc", Scores: []float64{0.1, 0.2}, Labels: []int{0, 1}, Method: "spline"}},
		{"period", models.CalibrationTrainRequest{Market: "btc", Period: "2025-3", Scores: []float64{0.1, 0.2}, Labels: []int{0, 1}}},
		{"lengths", models.CalibrationTrainRequest{Market: "btc", Scores: []float64{0.1, 0.2, 0.3}, Labels: []int{0, 1}}},
		{"market", models.CalibrationTrainRequest{Market: "a/b", Scores: []float64{0.1, 0.2}, Labels: []int{0, 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := do(e, http.MethodPost, "/api/calibration/train", tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}
