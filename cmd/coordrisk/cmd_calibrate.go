package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"CoordRisk/internal/di"
	"CoordRisk/internal/domain/models"
	"CoordRisk/internal/services/calibration"
	"CoordRisk/internal/usecase"
	"CoordRisk/pkg/frame"
	"CoordRisk/pkg/metrics"
)

var (
	calFile    string
	calMarket  string
	calPeriod  string
	calMethod  string
	calSplit   float64
	calDryRun  bool
	calDiagram string
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Fit a per-market calibrator from labeled raw confidences",
	Long: `Fit a calibrator from a CSV with "score" and "label" columns. Labels are 1 for
coordinated windows and 0 for competitive ones. The calibrator is stored only
when it passes the acceptance gates.

Examples:
  coordrisk calibrate --file labeled.csv --market btc --period 202503
  coordrisk calibrate --file labeled.csv --market btc --method platt --diagram rel.png`,
	RunE: runCalibrate,
}

func init() {
	rootCmd.AddCommand(calibrateCmd)
	calibrateCmd.Flags().StringVarP(&calFile, "file", "f", "", "labeled CSV (score,label)")
	calibrateCmd.Flags().StringVar(&calMarket, "market", "", "market the calibrator belongs to")
	calibrateCmd.Flags().StringVar(&calPeriod, "period", "", "YYYYMM, defaults to the current month")
	calibrateCmd.Flags().StringVar(&calMethod, "method", "", "isotonic or platt, defaults to calibration.method")
	calibrateCmd.Flags().Float64Var(&calSplit, "split", 0, "override calibration.validation_split")
	calibrateCmd.Flags().BoolVar(&calDryRun, "dry-run", false, "fit and check gates without storing")
	calibrateCmd.Flags().StringVar(&calDiagram, "diagram", "", "write a reliability diagram (.png or .svg)")
	_ = calibrateCmd.MarkFlagRequired("file")
	_ = calibrateCmd.MarkFlagRequired("market")
}

func runCalibrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := di.ProvideLogger(cfg)
	if err != nil {
		return err
	}
	scores, labels, err := readLabeled(calFile)
	if err != nil {
		return err
	}

	store, cleanup, err := di.ProvideCalibratorStore(cfg, l)
	if err != nil {
		return err
	}
	defer cleanup()
	opts, gates := usecase.CalibrationFrom(cfg.Calibration)
	trainer := usecase.NewCalibrationTrainer(store, opts, gates, metrics.NewWithRegistry(prometheus.NewRegistry()), l)

	req := models.CalibrationTrainRequest{
		Market: calMarket,
		Period: calPeriod,
		Scores: scores,
		Labels: labels,
		Method: calMethod,
		DryRun: calDryRun,
	}
	if cmd.Flags().Changed("split") {
		req.ValidationSplit = &calSplit
	}
	report, trainErr := trainer.Train(cmd.Context(), req)
	if report != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if calDiagram != "" {
			calibrated := report.Calibrator.TransformAll(scores)
			if err := calibration.PlotReliabilityDiagram(scores, calibrated, labels, calDiagram); err != nil {
				return fmt.Errorf("reliability diagram: %w", err)
			}
		}
	}
	if errors.Is(trainErr, calibration.ErrGatesFailed) {
		return fmt.Errorf("calibrator rejected for %s: %w", calMarket, trainErr)
	}
	return trainErr
}

// readLabeled loads the score and label columns of a labeled CSV.
func readLabeled(path string) ([]float64, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	fr, err := frame.ReadCSV(f)
	if err != nil {
		return nil, nil, err
	}
	scores, err := fr.Column("score")
	if err != nil {
		return nil, nil, err
	}
	raw, err := fr.Column("label")
	if err != nil {
		return nil, nil, err
	}
	labels := make([]int, len(raw))
	for i, v := range raw {
		if v != 0 && v != 1 {
			return nil, nil, fmt.Errorf("%s: row %d: %w", path, i+2, calibration.ErrInvalidLabel)
		}
		labels[i] = int(v)
	}
	return scores, labels, nil
}
