package calibration

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()
	date := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	scores, labels := labeledSamples(21, 60)
	res, err := CalibrateConfidence(scores, labels, DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, SaveCalibrator(ctx, store, "btc-usd", date, res.Calibrator))
	assert.FileExists(t, filepath.Join(dir, "btc-usd", "202503.json"))

	// any day in the same month resolves to the same artifact
	back, err := LoadCalibrator(ctx, store, "btc-usd", date.AddDate(0, 0, 10))
	require.NoError(t, err)
	probe := []float64{0.05, 0.3, 0.55, 0.7, 0.92}
	assert.Equal(t, res.Calibrator.TransformAll(probe), back.TransformAll(probe))

	entries, err := os.ReadDir(filepath.Join(dir, "btc-usd"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestFileStoreMissingAndInvalidKeys(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := LoadCalibrator(ctx, store, "eth-usd", now)
	assert.ErrorIs(t, err, ErrCalibratorNotFound)

	for _, market := range []string{"", "  ", "../etc", "a/b", ".hidden"} {
		_, err := NewKey(market, now)
		assert.ErrorIs(t, err, ErrInvalidKey, market)
	}

	key, err := NewKey(" sol-usd ", now)
	require.NoError(t, err)
	assert.Equal(t, "sol-usd/202501", key.String())
}

func TestFileStoreHonoursContext(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Put(ctx, Key{Market: "m", Period: "202501"}, []byte("{}"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlotReliabilityDiagram(t *testing.T) {
	scores, labels := labeledSamples(13, 100)
	res, err := CalibrateConfidence(scores, labels, DefaultOptions())
	require.NoError(t, err)

	dir := t.TempDir()
	for _, name := range []string{"diagram.png", "diagram.svg"} {
		path := filepath.Join(dir, name)
		require.NoError(t, PlotReliabilityDiagram(scores, res.Calibrated, labels, path))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
	assert.Error(t, PlotReliabilityDiagram(scores, res.Calibrated, labels, filepath.Join(dir, "diagram.bmp")))

	var buf bytes.Buffer
	require.NoError(t, WriteReliabilityDiagram(&buf, "svg", scores, res.Calibrated, labels))
	assert.Contains(t, buf.String(), "<svg")
}

func TestReliabilityPoints(t *testing.T) {
	pts := ReliabilityPoints([]float64{0.05, 0.07, 0.95}, []int{0, 1, 1})
	require.Len(t, pts, 2)
	assert.InDelta(t, 0.06, pts[0].X, 1e-12)
	assert.InDelta(t, 0.5, pts[0].Y, 1e-12)
	assert.InDelta(t, 1.0, pts[1].Y, 1e-12)
}
