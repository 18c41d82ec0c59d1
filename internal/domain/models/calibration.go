package models

import "CoordRisk/internal/services/calibration"

// CalibrationReport summarises a training run. Persisted is false when the gates failed or
// the run was a dry run.
type CalibrationReport struct {
	Key         string                  `json:"key"`
	Method      calibration.Method      `json:"method"`
	TrainSize   int                     `json:"train_size"`
	HoldoutSize int                     `json:"holdout_size"`
	Holdout     calibration.Reliability `json:"holdout"`
	Gates       calibration.GateReport  `json:"gates"`
	Persisted   bool                    `json:"persisted"`
	Calibrator  *calibration.Calibrator `json:"calibrator,omitempty"`
}
