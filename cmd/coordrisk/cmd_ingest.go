package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"CoordRisk/internal/di"
	"CoordRisk/internal/domain/models"
	"CoordRisk/pkg/frame"
)

var (
	ingestFile   string
	ingestMarket string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load a wide CSV of venue prices into ClickHouse",
	Long: `Load a timestamped CSV with one column per venue into the ClickHouse price table.
A "_price" suffix on column names is dropped to form the venue name.

Example:
  coordrisk ingest --file prices.csv --market btc`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "CSV with a timestamp column first")
	ingestCmd.Flags().StringVar(&ingestMarket, "market", "", "market the prices belong to")
	_ = ingestCmd.MarkFlagRequired("file")
	_ = ingestCmd.MarkFlagRequired("market")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.ClickHouse.Enabled {
		return fmt.Errorf("ingest needs clickhouse.enabled or CLICKHOUSE_HOST")
	}
	l, err := di.ProvideLogger(cfg)
	if err != nil {
		return err
	}

	f, err := os.Open(ingestFile)
	if err != nil {
		return err
	}
	defer f.Close()
	window, err := frame.ReadCSV(f)
	if err != nil {
		return err
	}
	points, err := longFormat(ingestMarket, window)
	if err != nil {
		return err
	}

	client, cleanup, err := di.ProvideClickHouseClient(cfg, l)
	if err != nil {
		return err
	}
	defer cleanup()
	store, err := di.ProvideCHWindowStore(cfg, client, l)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	if err := store.InsertPrices(ctx, points); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "inserted %d observations for %s\n", len(points), ingestMarket)
	return nil
}

// longFormat melts a wide frame into one point per venue and row.
func longFormat(market string, window *frame.Frame) ([]models.PricePoint, error) {
	idx := window.Index()
	if len(idx) == 0 {
		return nil, fmt.Errorf("ingest: csv needs a leading timestamp column")
	}
	points := make([]models.PricePoint, 0, len(idx)*len(window.Columns()))
	for _, name := range window.Columns() {
		col, err := window.Column(name)
		if err != nil {
			return nil, err
		}
		venue := strings.TrimSuffix(name, "_price")
		for i, p := range col {
			points = append(points, models.PricePoint{Market: market, Venue: venue, Time: idx[i], Price: p})
		}
	}
	return points, nil
}
