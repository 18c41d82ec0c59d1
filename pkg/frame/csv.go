package frame

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"CoordRisk/pkg/util"
)

var timeHeaders = map[string]bool{"t": true, "ts": true, "time": true, "timestamp": true, "date": true, "datetime": true}

// ReadCSV parses a header-first CSV. A leading time/timestamp/date column becomes the index;
// columns that do not parse as numbers are skipped. Empty cells and "NaN" become NaN.
func ReadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read csv: empty input")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	start := 0
	var index []time.Time
	if len(header) > 0 && timeHeaders[strings.ToLower(strings.TrimSpace(header[0]))] {
		start = 1
		index = make([]time.Time, len(records))
		for i, rec := range records {
			ts, ok := util.ParseTime(rec[0])
			if !ok {
				return nil, fmt.Errorf("read csv: row %d: bad timestamp %q", i+2, rec[0])
			}
			index[i] = ts
		}
	}

	var names []string
	var cols [][]float64
	for j := start; j < len(header); j++ {
		col, ok := parseColumn(records, j)
		if !ok {
			continue
		}
		names = append(names, strings.TrimSpace(header[j]))
		cols = append(cols, col)
	}
	if index == nil && len(cols) == 0 {
		return nil, fmt.Errorf("read csv: no numeric columns")
	}
	return New(index, names, cols)
}

func parseColumn(records [][]string, j int) ([]float64, bool) {
	col := make([]float64, len(records))
	for i, rec := range records {
		cell := strings.TrimSpace(rec[j])
		if cell == "" || strings.EqualFold(cell, "nan") || strings.EqualFold(cell, "null") {
			col[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, false
		}
		col[i] = v
	}
	return col, true
}
