package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"CoordRisk/internal/domain/models"
	drepo "CoordRisk/internal/domain/repository"
	dservice "CoordRisk/internal/domain/service"
	"CoordRisk/internal/services/calibration"
	"CoordRisk/internal/services/vmm"
	"CoordRisk/pkg/frame"
	applogger "CoordRisk/pkg/logger"
)

// ErrNoWindowStore is returned by Analyze when no window store is configured.
var ErrNoWindowStore = errors.New("window store not configured")

// AnalyzeOptions tunes a single analysis. A nil Scorer uses the analyzer's scorer. A zero At
// uses the window's last timestamp, or now when the window has no index.
type AnalyzeOptions struct {
	Scorer          dservice.CoordinationScorer
	PriceColumns    []string
	SkipCalibration bool
	At              time.Time
}

// BatchOutcome pairs a batch request with its result or error message.
type BatchOutcome struct {
	Request models.WindowRequest   `json:"request"`
	Result  *models.AnalysisResult `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
	err     error
}

// Err returns the underlying error.
func (o BatchOutcome) Err() error { return o.err }

// WindowAnalyzer loads, scores, calibrates and publishes windows.
type WindowAnalyzer struct {
	store       drepo.WindowStore
	scorer      dservice.CoordinationScorer
	calibrators dservice.ConfidenceCalibrator
	publisher   drepo.ResultPublisher
	metrics     drepo.Metrics
	l           *applogger.Logger
	batchLimit  int
	now         func() time.Time
}

// NewWindowAnalyzer wires an analyzer. store, calibrators and publisher may be nil.
func NewWindowAnalyzer(
	store drepo.WindowStore,
	scorer dservice.CoordinationScorer,
	calibrators dservice.ConfidenceCalibrator,
	publisher drepo.ResultPublisher,
	metrics drepo.Metrics,
	l *applogger.Logger,
	batchLimit int,
) *WindowAnalyzer {
	if l == nil {
		l = applogger.Nop()
	}
	if batchLimit < 1 {
		batchLimit = 1
	}
	return &WindowAnalyzer{
		store:       store,
		scorer:      scorer,
		calibrators: calibrators,
		publisher:   publisher,
		metrics:     metrics,
		l:           l,
		batchLimit:  batchLimit,
		now:         time.Now,
	}
}

// AnalyzeFrame scores an in-memory window. The result is not published.
func (a *WindowAnalyzer) AnalyzeFrame(ctx context.Context, market string, window *frame.Frame, opts AnalyzeOptions) (*models.AnalysisResult, error) {
	scorer := opts.Scorer
	if scorer == nil {
		scorer = a.scorer
	}
	start := a.now()
	out, err := scorer.Score(ctx, window, opts.PriceColumns)
	elapsed := a.now().Sub(start)
	if err != nil {
		kind := "score"
		if vmm.IsValidationError(err) {
			kind = "validation"
		}
		a.metrics.RecordError(kind)
		return nil, err
	}
	a.metrics.RecordRun(string(out.ConvergenceStatus), out.Iterations, elapsed.Seconds())
	a.metrics.RecordScore("regime_confidence", out.RegimeConfidence)
	a.metrics.RecordScore("structural_stability", out.StructuralStability)
	a.metrics.RecordScore("environment_quality", out.EnvironmentQuality)
	a.metrics.RecordScore("dynamic_validation_score", out.DynamicValidationScore)

	res := &models.AnalysisResult{
		RunID:         uuid.NewString(),
		Market:        market,
		Venues:        opts.PriceColumns,
		Output:        out,
		RawConfidence: out.RegimeConfidence,
		AnalyzedAt:    a.now().UTC(),
		DurationMS:    elapsed.Milliseconds(),
	}
	if idx := window.Index(); len(idx) > 0 {
		res.From, res.To = idx[0], idx[len(idx)-1]
	}
	if len(res.Venues) == 0 {
		res.Venues = window.Columns()
	}

	if !opts.SkipCalibration && a.calibrators != nil {
		at := opts.At
		if at.IsZero() {
			at = res.To
		}
		if at.IsZero() {
			at = res.AnalyzedAt
		}
		if err := a.calibrate(ctx, res, at); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (a *WindowAnalyzer) calibrate(ctx context.Context, res *models.AnalysisResult, at time.Time) error {
	c, key, err := a.calibrators.Calibrator(ctx, res.Market, at)
	switch {
	case errors.Is(err, calibration.ErrCalibratorNotFound):
		a.l.Debug("no calibrator for market",
			applogger.String("market", res.Market),
			applogger.String("period", key.Period),
		)
		return nil
	case errors.Is(err, calibration.ErrInvalidKey):
		// ad hoc market names that cannot address a calibrator stay uncalibrated
		return nil
	case err != nil:
		a.metrics.RecordError("calibrator_load")
		return fmt.Errorf("resolve calibrator: %w", err)
	}
	v := c.Transform(res.RawConfidence)
	res.Calibrated = &v
	res.CalibratorKey = key.String()
	a.metrics.RecordScore("calibrated_regime_confidence", v)
	return nil
}

// Analyze loads the requested window, scores it and publishes the result.
func (a *WindowAnalyzer) Analyze(ctx context.Context, req models.WindowRequest) (*models.AnalysisResult, error) {
	res, err := a.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if a.publisher != nil {
		if err := a.publisher.Publish(ctx, res); err != nil {
			a.metrics.RecordError("publish")
			return nil, fmt.Errorf("publish result: %w", err)
		}
	}
	return res, nil
}

func (a *WindowAnalyzer) load(ctx context.Context, req models.WindowRequest) (*models.AnalysisResult, error) {
	if a.store == nil {
		return nil, ErrNoWindowStore
	}
	start := a.now()
	window, err := a.store.LoadWindow(ctx, req.Market, req.Venues, req.From, req.To)
	a.metrics.RecordLatency("load_window", a.now().Sub(start).Seconds())
	if err != nil {
		if !errors.Is(err, drepo.ErrWindowNotFound) {
			a.metrics.RecordError("load_window")
		}
		return nil, fmt.Errorf("load window %s: %w", req.Market, err)
	}
	res, err := a.AnalyzeFrame(ctx, req.Market, window, AnalyzeOptions{At: req.To})
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", req.Market, err)
	}
	res.RequestID = req.RequestID
	res.Venues = req.Venues
	if len(res.Venues) == 0 {
		res.Venues = window.Columns()
	}
	res.From, res.To = req.From, req.To

	a.l.Info("window analyzed",
		applogger.String("run_id", res.RunID),
		applogger.String("market", res.Market),
		applogger.String("status", string(res.Output.ConvergenceStatus)),
		applogger.Float64("regime_confidence", res.Confidence()),
		applogger.Int64("duration_ms", res.DurationMS),
	)
	return res, nil
}

// AnalyzeBatch scores requests with at most batchLimit in flight. Outcomes are aligned with
// reqs. Successful results are published together; only a publish failure or a cancelled
// ctx fails the whole batch.
func (a *WindowAnalyzer) AnalyzeBatch(ctx context.Context, reqs []models.WindowRequest) ([]BatchOutcome, error) {
	outcomes := make([]BatchOutcome, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.batchLimit)
	for i, req := range reqs {
		g.Go(func() error {
			outcomes[i].Request = req
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := a.load(gctx, req)
			if err != nil {
				outcomes[i].err = err
				outcomes[i].Error = err.Error()
				return nil
			}
			outcomes[i].Result = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ok := make([]*models.AnalysisResult, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Result != nil {
			ok = append(ok, o.Result)
		}
	}
	start := a.now()
	if a.publisher != nil && len(ok) > 0 {
		if err := a.publisher.PublishBatch(ctx, ok); err != nil {
			a.metrics.RecordError("publish")
			return outcomes, fmt.Errorf("publish batch: %w", err)
		}
	}
	a.metrics.RecordLatency("publish_batch", a.now().Sub(start).Seconds())
	return outcomes, nil
}
