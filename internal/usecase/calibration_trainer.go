package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CoordRisk/internal/domain/models"
	drepo "CoordRisk/internal/domain/repository"
	dservice "CoordRisk/internal/domain/service"
	"CoordRisk/internal/services/calibration"
	applogger "CoordRisk/pkg/logger"
	"CoordRisk/pkg/util"
)

// StoreCalibrators resolves calibrators from a calibration.Store.
type StoreCalibrators struct {
	store calibration.Store
}

var _ dservice.ConfidenceCalibrator = (*StoreCalibrators)(nil)

func NewStoreCalibrators(store calibration.Store) *StoreCalibrators {
	return &StoreCalibrators{store: store}
}

// Calibrator returns the key even when loading fails so callers can report it.
func (s *StoreCalibrators) Calibrator(ctx context.Context, market string, at time.Time) (*calibration.Calibrator, calibration.Key, error) {
	key, err := calibration.NewKey(market, at)
	if err != nil {
		return nil, calibration.Key{}, err
	}
	c, err := calibration.LoadCalibrator(ctx, s.store, market, at)
	return c, key, err
}

// CalibrationTrainer fits calibrators and persists the ones that pass the acceptance gates.
type CalibrationTrainer struct {
	store   drepo.CalibratorStore
	opts    calibration.Options
	gates   calibration.GateConfig
	metrics drepo.Metrics
	l       *applogger.Logger
	now     func() time.Time
}

func NewCalibrationTrainer(
	store drepo.CalibratorStore,
	opts calibration.Options,
	gates calibration.GateConfig,
	metrics drepo.Metrics,
	l *applogger.Logger,
) *CalibrationTrainer {
	if l == nil {
		l = applogger.Nop()
	}
	return &CalibrationTrainer{store: store, opts: opts, gates: gates, metrics: metrics, l: l, now: time.Now}
}

// Train fits on the request's labeled scores. When the gates fail it returns the report
// together with an error wrapping calibration.ErrGatesFailed, and nothing is stored.
func (t *CalibrationTrainer) Train(ctx context.Context, req models.CalibrationTrainRequest) (*models.CalibrationReport, error) {
	period := t.now().UTC()
	if req.Period != "" {
		p, err := util.ParsePeriod(req.Period)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", calibration.ErrInvalidKey, err)
		}
		period = p
	}
	key, err := calibration.NewKey(req.Market, period)
	if err != nil {
		return nil, err
	}

	opts := t.opts
	if req.Method != "" {
		m, err := calibration.ParseMethod(req.Method)
		if err != nil {
			return nil, err
		}
		opts.Method = m
	}
	if req.ValidationSplit != nil {
		opts.ValidationSplit = *req.ValidationSplit
	}

	start := t.now()
	res, err := calibration.CalibrateConfidence(req.Scores, req.Labels, opts)
	if err != nil {
		t.metrics.RecordError("calibration_fit")
		return nil, err
	}
	gates := calibration.CheckAcceptance(res.Calibrated, req.Labels, t.gates)
	t.metrics.RecordLatency("calibration_fit", t.now().Sub(start).Seconds())

	report := &models.CalibrationReport{
		Key:         key.String(),
		Method:      res.Calibrator.Method,
		TrainSize:   res.TrainSize,
		HoldoutSize: res.HoldoutSize,
		Holdout:     res.Holdout,
		Gates:       gates,
		Calibrator:  res.Calibrator,
	}
	if !gates.Passed {
		for _, g := range gates.Failures {
			t.metrics.RecordGateFailure(g)
		}
		t.l.Warn("calibrator rejected",
			applogger.String("key", report.Key),
			applogger.Strings("failures", gates.Failures),
		)
		return report, gates.Err()
	}
	if req.DryRun {
		return report, nil
	}
	if err := calibration.SaveCalibrator(ctx, t.store, key.Market, period, res.Calibrator); err != nil {
		t.metrics.RecordError("calibrator_save")
		return report, err
	}
	report.Persisted = true
	t.l.Info("calibrator stored",
		applogger.String("key", report.Key),
		applogger.String("method", string(report.Method)),
		applogger.Float64("holdout_ece", res.Holdout.ECE),
	)
	return report, nil
}

// Lookup returns the stored calibrator for market. date is YYYYMM or any timestamp
// util.ParseTime accepts.
func (t *CalibrationTrainer) Lookup(ctx context.Context, market, date string) (*calibration.Calibrator, calibration.Key, error) {
	at, err := util.ParsePeriod(date)
	if err != nil {
		var ok bool
		if at, ok = util.ParseTime(date); !ok {
			return nil, calibration.Key{}, fmt.Errorf("%w: bad date %q", calibration.ErrInvalidKey, date)
		}
	}
	key, err := calibration.NewKey(market, at)
	if err != nil {
		return nil, calibration.Key{}, err
	}
	c, err := calibration.LoadCalibrator(ctx, t.store, market, at)
	if err != nil && !errors.Is(err, calibration.ErrCalibratorNotFound) {
		t.metrics.RecordError("calibrator_load")
	}
	return c, key, err
}
