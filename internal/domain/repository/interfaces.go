package repository

import (
	"context"
	"errors"
	"time"

	"CoordRisk/internal/domain/models"
	"CoordRisk/internal/services/calibration"
	"CoordRisk/pkg/frame"
)

// ErrWindowNotFound is returned when a market has no rows in the requested range.
var ErrWindowNotFound = errors.New("window not found")

// WindowStore loads multi-venue price windows. Columns are named "<venue>_price" in venue
// order; missing observations are NaN.
type WindowStore interface {
	LoadWindow(ctx context.Context, market string, venues []string, from, to time.Time) (*frame.Frame, error)
}

// ResultPublisher ships analysis results downstream.
type ResultPublisher interface {
	Publish(ctx context.Context, r *models.AnalysisResult) error
	PublishBatch(ctx context.Context, rs []*models.AnalysisResult) error
	Close() error
}

// CalibratorStore persists encoded calibrators keyed by market and period.
type CalibratorStore interface {
	calibration.Store
}

type Metrics interface {
	RecordRun(status string, iterations int, seconds float64)
	RecordScore(name string, v float64)
	RecordError(kind string)
	RecordGateFailure(gate string)
	RecordLatency(op string, seconds float64)
}
