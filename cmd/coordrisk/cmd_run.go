package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"CoordRisk/internal/di"
	"CoordRisk/internal/domain/models"
	"CoordRisk/internal/usecase"
	"CoordRisk/pkg/frame"
	"CoordRisk/pkg/metrics"
)

var (
	runFile      string
	runMarket    string
	runColumns   string
	runMaxIters  int
	runSeed      uint64
	runNoCal     bool
	runEmitAudit bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Score a CSV price window",
	Long: `Score a header-first CSV window. A leading t/time/timestamp/date column is the
index; price columns are detected by name unless --columns is given.

Examples:
  coordrisk run --file window.csv
  coordrisk run --file window.csv --market btc --columns okx_price,binance_price
  coordrisk run --file window.csv --max-iters 50 --no-calibration`,
	RunE: runWindow,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "CSV window to score")
	runCmd.Flags().StringVar(&runMarket, "market", "adhoc", "market used for calibrator lookup")
	runCmd.Flags().StringVar(&runColumns, "columns", "", "comma separated price columns")
	runCmd.Flags().IntVar(&runMaxIters, "max-iters", 0, "override vmm.max_iters")
	runCmd.Flags().Uint64Var(&runSeed, "seed", 0, "override vmm.seed")
	runCmd.Flags().BoolVar(&runNoCal, "no-calibration", false, "report the raw confidence only")
	runCmd.Flags().BoolVar(&runEmitAudit, "audit", false, "include variational params and moment residuals")
	_ = runCmd.MarkFlagRequired("file")
}

func runWindow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := di.ProvideLogger(cfg)
	if err != nil {
		return err
	}

	f, err := os.Open(runFile)
	if err != nil {
		return err
	}
	defer f.Close()
	window, err := frame.ReadCSV(f)
	if err != nil {
		return err
	}

	o := &models.EngineOverrides{EmitParams: runEmitAudit, EmitMoments: runEmitAudit}
	if cmd.Flags().Changed("max-iters") {
		o.MaxIters = &runMaxIters
	}
	if cmd.Flags().Changed("seed") {
		o.Seed = &runSeed
	}
	scorer := usecase.ScorerFor(usecase.EngineConfigFrom(cfg.VMM), o, l)

	var analyzer *usecase.WindowAnalyzer
	rec := metrics.NewWithRegistry(prometheus.NewRegistry())
	if runNoCal {
		analyzer = usecase.NewWindowAnalyzer(nil, scorer, nil, nil, rec, l, 1)
	} else {
		store, cleanup, err := di.ProvideCalibratorStore(cfg, l)
		if err != nil {
			return err
		}
		defer cleanup()
		analyzer = usecase.NewWindowAnalyzer(nil, scorer, usecase.NewStoreCalibrators(store), nil, rec, l, 1)
	}

	var cols []string
	for _, c := range strings.Split(runColumns, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	res, err := analyzer.AnalyzeFrame(cmd.Context(), runMarket, window, usecase.AnalyzeOptions{
		PriceColumns:    cols,
		SkipCalibration: runNoCal,
	})
	if err != nil {
		return fmt.Errorf("score %s: %w", runFile, err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
