package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"CoordRisk/internal/domain/models"
	domrepo "CoordRisk/internal/domain/repository"
	"CoordRisk/pkg/frame"
	applogger "CoordRisk/pkg/logger"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// CHWindowStore reads long-format (market, venue, t, price) rows from ClickHouse and pivots
// them into a frame.
type CHWindowStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

var _ domrepo.WindowStore = (*CHWindowStore)(nil)

// NewCHWindowStore returns a store over table, optionally qualified as db.table.
func NewCHWindowStore(db *sql.DB, table string, l *applogger.Logger) (*CHWindowStore, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("clickhouse: invalid table name %q", table)
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &CHWindowStore{db: db, table: table, l: l}, nil
}

// SchemaStatements returns the DDL the store expects.
func (s *CHWindowStore) SchemaStatements() []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    market LowCardinality(String),
    venue  LowCardinality(String),
    t      DateTime64(3, 'UTC'),
    price  Float64
) ENGINE = ReplacingMergeTree
ORDER BY (market, venue, t)`, s.table)}
}

// EnsureSchema creates the price table when missing.
func (s *CHWindowStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.SchemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// LoadWindow returns rows with from <= t < to. A venue with no rows in range still gets an
// all-NaN column so callers see it missing rather than silently dropped.
func (s *CHWindowStore) LoadWindow(ctx context.Context, market string, venues []string, from, to time.Time) (*frame.Frame, error) {
	start := time.Now()
	q := fmt.Sprintf("SELECT venue, t, price FROM %s WHERE market = ? AND t >= ? AND t < ?", s.table)
	args := []interface{}{market, from.UTC(), to.UTC()}
	if len(venues) > 0 {
		q += " AND venue IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(venues)), ", ") + ")"
		for _, v := range venues {
			args = append(args, v)
		}
	}
	q += " ORDER BY t ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.l.Error("clickhouse load_window query error",
			applogger.String("table", s.table),
			applogger.String("market", market),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("load window: %w", err)
	}
	defer rows.Close()

	type point struct {
		venue string
		t     time.Time
		price float64
	}
	var points []point
	for rows.Next() {
		var p point
		if err := rows.Scan(&p.venue, &p.t, &p.price); err != nil {
			return nil, fmt.Errorf("scan price row: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s [%s, %s)", domrepo.ErrWindowNotFound, market,
			from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	}

	if len(venues) == 0 {
		seen := map[string]struct{}{}
		for _, p := range points {
			if _, ok := seen[p.venue]; !ok {
				seen[p.venue] = struct{}{}
				venues = append(venues, p.venue)
			}
		}
		sort.Strings(venues)
	}
	f, err := pivot(venues, func(emit func(venue string, t time.Time, price float64)) {
		for _, p := range points {
			emit(p.venue, p.t, p.price)
		}
	})
	if err != nil {
		return nil, err
	}

	s.l.Debug("clickhouse load_window ok",
		applogger.String("market", market),
		applogger.Int("rows", f.Len()),
		applogger.Int("venues", len(venues)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return f, nil
}

// InsertPrices writes rows in chunks of multi-row VALUES.
func (s *CHWindowStore) InsertPrices(ctx context.Context, rows []models.PricePoint) error {
	const chunkSize = 2000
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*4)
		for _, r := range rows[start:end] {
			if r.Market == "" || r.Venue == "" || math.IsNaN(r.Price) || math.IsInf(r.Price, 0) {
				continue
			}
			values = append(values, "(?, ?, ?, ?)")
			args = append(args, r.Market, r.Venue, r.Time.UTC(), r.Price)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (market, venue, t, price) VALUES %s", s.table, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert prices: %w", err)
		}
	}
	return nil
}

// pivot lays out long rows as one "<venue>_price" column per venue over the sorted union of
// timestamps. Rows for venues outside the list are ignored; duplicates keep the last price.
func pivot(venues []string, each func(emit func(string, time.Time, float64))) (*frame.Frame, error) {
	col := make(map[string]int, len(venues))
	for i, v := range venues {
		col[v] = i
	}
	stamps := map[int64]time.Time{}
	type cell struct {
		j  int
		ns int64
		v  float64
	}
	var cells []cell
	each(func(venue string, t time.Time, price float64) {
		j, ok := col[venue]
		if !ok {
			return
		}
		ns := t.UnixNano()
		stamps[ns] = t.UTC()
		cells = append(cells, cell{j, ns, price})
	})

	keys := make([]int64, 0, len(stamps))
	for k := range stamps {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })
	row := make(map[int64]int, len(keys))
	index := make([]time.Time, len(keys))
	for i, k := range keys {
		row[k] = i
		index[i] = stamps[k]
	}

	cols := make([][]float64, len(venues))
	names := make([]string, len(venues))
	for j, v := range venues {
		names[j] = VenueColumn(v)
		cols[j] = make([]float64, len(keys))
		for i := range cols[j] {
			cols[j][i] = math.NaN()
		}
	}
	for _, c := range cells {
		cols[c.j][row[c.ns]] = c.v
	}
	return frame.New(index, names, cols)
}

// VenueColumn names the frame column for venue.
func VenueColumn(venue string) string { return venue + "_price" }
