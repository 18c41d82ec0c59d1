package models

// Requests for the HTTP endpoints. Defined in domain for consistency and reuse.

// EngineOverrides replaces individual engine settings for one request. Nil fields keep the
// configured value.
type EngineOverrides struct {
	MaxIters         *int     `json:"max_iters,omitempty" validate:"omitempty,gte=1,lte=5000"`
	Tol              *float64 `json:"tol,omitempty" validate:"omitempty,gt=0"`
	StepInitial      *float64 `json:"step_initial,omitempty" validate:"omitempty,gt=0"`
	MinDataPoints    *int     `json:"min_data_points,omitempty" validate:"omitempty,gte=3"`
	EarlyStopPlateau *bool    `json:"early_stop_plateau,omitempty"`
	Seed             *uint64  `json:"seed,omitempty"`
	EmitParams       bool     `json:"emit_params,omitempty"`
	EmitMoments      bool     `json:"emit_moments,omitempty"`
}

// InlineWindowRequest carries the window in the body. Timestamps, when given, are RFC3339 or
// unix seconds and must match the series length. Null series values are missing data.
type InlineWindowRequest struct {
	Market          string                `json:"market" default:"adhoc" validate:"required,max=64"`
	Timestamps      []string              `json:"timestamps,omitempty"`
	Series          map[string][]*float64 `json:"series" validate:"required,min=2"`
	Config          *EngineOverrides      `json:"config,omitempty"`
	SkipCalibration bool                  `json:"skip_calibration,omitempty"`
}

// MarketWindowRequest scores a stored window. Venues is a comma separated list.
type MarketWindowRequest struct {
	Market string `query:"market" json:"market" validate:"required,max=64"`
	Venues string `query:"venues" json:"venues"`
	From   string `query:"from" json:"from" validate:"required"`
	To     string `query:"to" json:"to" validate:"required"`
}

// BatchWindowRequest scores several stored windows concurrently.
type BatchWindowRequest struct {
	Windows []WindowRequest `json:"windows" validate:"required,min=1,dive"`
}

// CalibrationTrainRequest fits a calibrator on labeled raw confidences. Labels are 1 for
// coordinated and 0 for competitive. Period is YYYYMM; empty means the current month.
type CalibrationTrainRequest struct {
	Market          string    `json:"market" validate:"required,max=64"`
	Period          string    `json:"period,omitempty" validate:"omitempty,len=6,numeric"`
	Scores          []float64 `json:"scores" validate:"required,min=2"`
	Labels          []int     `json:"labels" validate:"required,min=2,dive,oneof=0 1"`
	Method          string    `json:"method" default:"isotonic" validate:"oneof=isotonic platt"`
	ValidationSplit *float64  `json:"validation_split,omitempty" validate:"omitempty,gte=0,lt=1"`
	DryRun          bool      `json:"dry_run"`
}

// CalibratorPathRequest addresses a stored calibrator. Date is YYYYMM or a date inside the
// period.
type CalibratorPathRequest struct {
	Market string `param:"market" validate:"required"`
	Date   string `param:"date" validate:"required"`
}
