package service

import (
	"context"
	"time"

	"CoordRisk/internal/services/calibration"
	"CoordRisk/internal/services/vmm"
	"CoordRisk/pkg/frame"
)

// CoordinationScorer scores one window. Empty priceCols selects columns automatically.
type CoordinationScorer interface {
	Score(ctx context.Context, window *frame.Frame, priceCols []string) (vmm.VMMOutput, error)
}

// ConfidenceCalibrator resolves the calibrator for a market at a point in time. It returns
// calibration.ErrCalibratorNotFound when none was trained for that period.
type ConfidenceCalibrator interface {
	Calibrator(ctx context.Context, market string, at time.Time) (*calibration.Calibrator, calibration.Key, error)
}
